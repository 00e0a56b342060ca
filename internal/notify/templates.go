package notify

import "html/template"

type messageTemplate struct {
	subject string
	body    *template.Template
}

const layout = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: -apple-system, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <p>Hi {{.UserName}},</p>
    {{template "content" .}}
    <p style="margin-top: 30px; font-size: 12px; color: #666;">Manuscript reference: {{.ManuscriptID}}</p>
</body>
</html>`

func mustTemplate(content string) *template.Template {
	t := template.Must(template.New("layout").Parse(layout))
	template.Must(t.New("content").Parse(content))
	return t
}

var templates = map[Kind]messageTemplate{
	KindAdmitted: {
		subject: "Accepted: %s",
		body: mustTemplate(`<p>Your manuscript <strong>{{.Title}}</strong> has been accepted by {{.VenueName}} and is now published.</p>
{{if .Note}}<p>Editor feedback:</p><blockquote>{{.Note}}</blockquote>{{end}}`),
	},
	KindRejected: {
		subject: "Decision: %s",
		body: mustTemplate(`<p>Your manuscript <strong>{{.Title}}</strong> was not accepted by any of its candidate venues.</p>
{{if .Note}}<p>Editor feedback:</p><blockquote>{{.Note}}</blockquote>{{end}}`),
	},
	KindRevisionRequested: {
		subject: "Revision requested: %s",
		body: mustTemplate(`<p>An editor{{if .VenueName}} of {{.VenueName}}{{end}} asked for a revision of <strong>{{.Title}}</strong>.</p>
{{if .Note}}<blockquote>{{.Note}}</blockquote>{{end}}
<p>Upload the revised file from the manuscript page when it is ready.</p>`),
	},
	KindResubmitted: {
		subject: "Revision received: %s",
		body: mustTemplate(`<p>A revised file for <strong>{{.Title}}</strong> was uploaded.</p>
{{if .Note}}<p>Change note:</p><blockquote>{{.Note}}</blockquote>{{end}}`),
	},
}
