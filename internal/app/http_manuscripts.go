package app

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *HTTPServer) session(c *gin.Context) {
	writeJSON(c, http.StatusOK, s.service.Session(actorOf(c)))
}

func (s *HTTPServer) search(c *gin.Context) {
	result, err := s.service.Search(c.Request.Context(), c.Query("q"), c.Query("type"), c.Query("venueId"), queryInt(c, "limit"), queryInt(c, "offset"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) listVenues(c *gin.Context) {
	result, err := s.service.ListVenues(c.Request.Context(), c.Query("kind"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) createVenue(c *gin.Context) {
	var body VenueInput
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.CreateVenue(c.Request.Context(), actorOf(c), body)
	s.respond(c, http.StatusCreated, result, err)
}

func (s *HTTPServer) updateVenue(c *gin.Context) {
	var body VenueUpdateInput
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.UpdateVenue(c.Request.Context(), actorOf(c), c.Param("id"), body)
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) deleteVenue(c *gin.Context) {
	if err := s.service.DeleteVenue(c.Request.Context(), actorOf(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type userRef struct {
	UserID string `json:"userId"`
}

func (s *HTTPServer) setChief(c *gin.Context) {
	var body userRef
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.SetChief(c.Request.Context(), actorOf(c), c.Param("id"), body.UserID)
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) addEditor(c *gin.Context) {
	var body userRef
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.AddEditor(c.Request.Context(), actorOf(c), c.Param("id"), body.UserID)
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) removeEditor(c *gin.Context) {
	result, err := s.service.RemoveEditor(c.Request.Context(), actorOf(c), c.Param("id"), c.Param("userId"))
	s.respond(c, http.StatusOK, result, err)
}

// submit takes a multipart form: the manuscript file under "file" and the
// JSON metadata under "metadata".
func (s *HTTPServer) submit(c *gin.Context) {
	file, err := s.readUpload(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	var input SubmitInput
	if raw := strings.TrimSpace(c.PostForm("metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &input); err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_BODY", "metadata must be a JSON object", nil)
			return
		}
	}
	origin := s.resolver.Anonymous(c.ClientIP())
	result, err := s.service.Submit(c.Request.Context(), actorOf(c), origin, input, file)
	s.respond(c, http.StatusCreated, result, err)
}

func (s *HTTPServer) listOwn(c *gin.Context) {
	result, err := s.service.ListOwn(c.Request.Context(), actorOf(c))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) listPublished(c *gin.Context) {
	result, err := s.service.ListPublished(c.Request.Context(), queryInt(c, "limit"), queryInt(c, "offset"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) getManuscript(c *gin.Context) {
	result, err := s.service.GetManuscript(c.Request.Context(), actorOf(c), c.Param("id"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) deleteManuscript(c *gin.Context) {
	if err := s.service.Delete(c.Request.Context(), actorOf(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *HTTPServer) resubmit(c *gin.Context) {
	file, err := s.readUpload(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	result, err := s.service.Resubmit(c.Request.Context(), actorOf(c), c.Param("id"), c.PostForm("note"), file)
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) withdraw(c *gin.Context) {
	result, err := s.service.Withdraw(c.Request.Context(), actorOf(c), c.Param("id"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) requestDeletion(c *gin.Context) {
	result, err := s.service.RequestDeletion(c.Request.Context(), actorOf(c), c.Param("id"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) requestCover(c *gin.Context) {
	file, err := s.readUpload(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	result, err := s.service.RequestCover(c.Request.Context(), actorOf(c), c.Param("id"), file)
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) approveCover(c *gin.Context) {
	result, err := s.service.ApproveCover(c.Request.Context(), actorOf(c), c.Param("id"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) history(c *gin.Context) {
	result, err := s.service.History(c.Request.Context(), actorOf(c), c.Param("id"), queryInt(c, "limit"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) listFunds(c *gin.Context) {
	result, err := s.service.ListApprovedFunds(c.Request.Context(), actorOf(c), c.Query("q"), queryInt(c, "limit"))
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) replaceFunds(c *gin.Context) {
	var body struct {
		FundIDs []string `json:"fundIds"`
	}
	if !decodeBody(c, &body) {
		return
	}
	result, err := s.service.ReplaceFunds(c.Request.Context(), actorOf(c), c.Param("id"), body.FundIDs)
	s.respond(c, http.StatusOK, result, err)
}

func (s *HTTPServer) vote(c *gin.Context) {
	var body struct {
		Type string `json:"type"`
	}
	if !decodeBody(c, &body) {
		return
	}
	origin := s.resolver.Anonymous(c.ClientIP())
	result, err := s.service.Vote(c.Request.Context(), origin, c.Param("id"), body.Type)
	s.respond(c, http.StatusOK, result, err)
}
