package app

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *HTTPServer) reviewQueue(c *gin.Context) {
	result, err := s.service.ReviewQueue(c.Request.Context(), actorOf(c), c.Query("kind"), queryInt(c, "limit"), queryInt(c, "offset"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) admit(c *gin.Context) {
	var body AdmitInput
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.Admit(c.Request.Context(), actorOf(c), c.Param("id"), body)
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) reject(c *gin.Context) {
	var body RejectInput
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.Reject(c.Request.Context(), actorOf(c), c.Param("id"), body)
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) requestRevision(c *gin.Context) {
	var body RevisionInput
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.RequestRevision(c.Request.Context(), actorOf(c), c.Param("id"), body)
	s.respond(c, http.StatusCreated, result, err)
}

func (s *HTTPServer) formalLog(c *gin.Context) {
	result, err := s.service.FormalLog(c.Request.Context(), actorOf(c), c.Param("id"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) timeline(c *gin.Context) {
	result, err := s.service.Timeline(c.Request.Context(), actorOf(c), c.Param("id"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) postTimeline(c *gin.Context) {
	var body TimelineInput
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.PostTimeline(c.Request.Context(), actorOf(c), c.Param("id"), body)
	s.respond(c, http.StatusCreated, result, err)
}

func (s *HTTPServer) comments(c *gin.Context) {
	result, err := s.service.Comments(c.Request.Context(), actorOf(c), c.Param("id"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) postComment(c *gin.Context) {
	var body CommentInput
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.PostComment(c.Request.Context(), actorOf(c), c.Param("id"), body)
	s.respond(c, http.StatusCreated, result, err)
}

func (s *HTTPServer) toggleLike(c *gin.Context) {
	result, err := s.service.ToggleLike(c.Request.Context(), actorOf(c), c.Param("id"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) deleteEvent(c *gin.Context) {
	if err := s.service.DeleteEvent(c.Request.Context(), actorOf(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
