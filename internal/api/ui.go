package api

import (
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"pagesmith/internal/task"
)

var uiTemplates = template.Must(template.New("layout").Funcs(template.FuncMap{
	"imageURL": imageURL,
}).Parse(`{{define "head"}}
<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>Pagesmith</title>
  <style>
    body{font-family:system-ui,-apple-system,Segoe UI,Roboto,Ubuntu,Cantarell,Noto Sans,sans-serif;max-width:880px;margin:32px auto;padding:0 16px;color:#0b0b0b;background:#fafafa}
    header{margin-bottom:24px}
    h1{font-size:22px;margin:0 0 8px}
    a{color:#0b63e5;text-decoration:none}
    a:hover{text-decoration:underline}
    .card{background:#fff;border:1px solid #e9e9e9;border-radius:10px;padding:16px;margin:12px 0}
    .row{display:flex;gap:12px;flex-wrap:wrap}
    .btn{display:inline-block;background:#0b63e5;color:#fff;border:none;padding:10px 14px;border-radius:8px;cursor:pointer}
    .btn.secondary{background:#444}
    input[type=text],select{padding:9px 10px;border:1px solid #dcdcdc;border-radius:8px}
    input[type=text]{width:100%}
    .muted{color:#666}
    .mono{font-family:ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace}
    .pages{display:grid;grid-template-columns:repeat(auto-fill,minmax(160px,1fr));gap:12px}
    .pages img{width:100%;border-radius:6px;border:1px solid #eee}
    .status{display:inline-block;padding:4px 8px;border-radius:6px;background:#efefef;font-size:12px}
    .error{border-color:#f2b8b5;background:#fff6f6}
    footer{margin-top:24px;color:#666;font-size:12px}
  </style>
</head>
<body>
  <header>
    <h1><a href="/">Pagesmith</a></h1>
    <div class="muted">Minimal no-JS view of generation tasks</div>
  </header>
  {{if .Error}}
  <div class="card error">
    <strong style="color:#b3261e">Error:</strong> <span class="muted">{{.Error}}</span>
  </div>
  {{end}}
{{end}}

{{define "foot"}}
  <footer>
    <div>API base: <span class="mono">/api</span> · start tasks with <span class="mono">POST /api/generate</span></div>
  </footer>
</body>
</html>
{{end}}

{{define "home"}}
  {{template "head" .}}
  <div class="card">
    <h2>Open task</h2>
    <form method="get" action="/ui/tasks">
      <div class="row">
        <input type="text" name="id" placeholder="Task ID" required />
        <button class="btn" type="submit">Open</button>
      </div>
    </form>
    <div class="muted">GET /api/task/{task_id}</div>
  </div>
  <div class="card">
    <h2>Service</h2>
    <div>Pool: <span class="status">{{if .Busy}}busy{{else}}accepting tasks{{end}}</span></div>
    <div class="muted"><a href="/api/health">GET /api/health</a></div>
  </div>
  {{template "foot" .}}
{{end}}

{{define "task"}}
  {{template "head" .}}
  {{with .Task}}
  <div class="card">
    <h2>Task <span class="mono">{{.TaskID}}</span></h2>
    {{if .Topic}}<div>Topic: <strong>{{.Topic}}</strong></div>{{end}}
    <div>Status: <span class="status">{{.Status}}</span></div>
    <div class="muted">Created at: {{.CreatedAt.Format "2006-01-02 15:04:05 MST"}}</div>
    <div style="margin-top:12px">
      <a class="btn secondary" href="/ui/tasks/{{.TaskID}}">Refresh</a>
      {{if .GeneratedIndices}}<a class="btn" href="/api/task/{{.TaskID}}/archive" style="margin-left:8px">Download zip</a>{{end}}
    </div>
  </div>

  <div class="card">
    <h3>Generated pages ({{len .GeneratedIndices}})</h3>
    {{if .GeneratedIndices}}
    <div class="pages">
      {{$snap := .}}
      {{range .GeneratedIndices}}
        {{$ref := index $snap.Generated .}}
        <div>
          <a href="{{imageURL $snap.TaskID $ref}}?thumbnail=false"><img src="{{imageURL $snap.TaskID $ref}}" alt="page {{.}}"/></a>
          <div class="muted">#{{.}} · <span class="mono">{{$ref}}</span></div>
        </div>
      {{end}}
    </div>
    {{else}}
      <div class="muted">Nothing generated yet</div>
    {{end}}
  </div>

  {{if .FailedIndices}}
  <div class="card error">
    <h3>Failed pages ({{len .FailedIndices}})</h3>
    {{$snap := .}}
    {{range .FailedIndices}}
    <form method="post" action="/ui/tasks/{{$snap.TaskID}}/retry" style="margin:12px 0">
      <div><strong>#{{.}}</strong> <span class="muted">{{index $snap.Failed .}}</span></div>
      <input type="hidden" name="index" value="{{.}}"/>
      <div class="row" style="margin-top:8px">
        <select name="type">
          <option value="content">content</option>
          <option value="cover">cover</option>
          <option value="summary">summary</option>
        </select>
        <input type="text" name="content" placeholder="Page content" required/>
        <button class="btn" type="submit">Retry</button>
      </div>
    </form>
    {{end}}
    <div class="muted">POST /api/retry</div>
  </div>
  {{end}}

  <div class="card">
    <form method="post" action="/ui/tasks/{{.TaskID}}/delete">
      <button class="btn secondary" type="submit">Forget task</button>
      <span class="muted" style="margin-left:8px">Stored images stay on disk</span>
    </form>
  </div>
  {{end}}
  {{template "foot" .}}
{{end}}
`))

// RegisterUIRoutes registers minimal HTML UI without JS
func (a *API) RegisterUIRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(uiTemplates)
	router.GET("/", a.UIHome)
	router.GET("/ui/tasks", a.UIOpenExisting)
	router.GET("/ui/tasks/:id", a.UITask)
	router.POST("/ui/tasks/:id/retry", a.UIRetryPage)
	router.POST("/ui/tasks/:id/delete", a.UIDeleteTask)
}

// UIHome renders the home page
func (a *API) UIHome(c *gin.Context) {
	c.HTML(http.StatusOK, "home", gin.H{"Busy": a.taskManager.IsBusy()})
}

// UIOpenExisting redirects to the task page by id
func (a *API) UIOpenExisting(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+id)
}

// UITask renders a task page
func (a *API) UITask(c *gin.Context) {
	snap, err := a.taskManager.GetTaskState(c.Param("id"))
	if err != nil {
		c.HTML(http.StatusNotFound, "home", gin.H{"Error": err.Error(), "Busy": a.taskManager.IsBusy()})
		return
	}
	c.HTML(http.StatusOK, "task", gin.H{"Task": snap})
}

// UIRetryPage retries one page from the form and redirects back to the task page
func (a *API) UIRetryPage(c *gin.Context) {
	id := c.Param("id")
	snap, err := a.taskManager.GetTaskState(id)
	if err != nil {
		c.HTML(http.StatusNotFound, "home", gin.H{"Error": err.Error()})
		return
	}
	index, err := strconv.Atoi(c.PostForm("index"))
	if err != nil {
		c.HTML(http.StatusBadRequest, "task", gin.H{"Task": snap, "Error": "invalid page index"})
		return
	}
	outcome := a.taskManager.RetryPage(c.Request.Context(), task.RetryRequest{
		TaskID: id,
		Page: task.PageSpec{
			Index:   index,
			Kind:    task.PageKind(c.PostForm("type")),
			Content: strings.TrimSpace(c.PostForm("content")),
		},
		Topic:   snap.Topic,
		Outline: snap.Outline,
	})
	if !outcome.Success {
		snap, _ = a.taskManager.GetTaskState(id)
		c.HTML(http.StatusBadRequest, "task", gin.H{"Task": snap, "Error": outcome.Reason})
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+id)
}

func (a *API) UIDeleteTask(c *gin.Context) {
	a.taskManager.CleanupTask(c.Param("id"))
	c.Redirect(http.StatusFound, "/")
}
