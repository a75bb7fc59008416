package openapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	ID        string            `json:"id"`
	Labels    map[string]string `json:"labels,omitempty"`
	Parts     []part            `json:"parts"`
	CreatedAt time.Time         `json:"created_at"`
	Deleted   *time.Time        `json:"deleted_at,omitempty"`
	internal  string
}

type part struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type createWidget struct {
	Name string `json:"name"`
}

func TestGenerate(t *testing.T) {
	g := NewGenerator(WithTitle("Widgets"), WithVersion("2.0.0"), WithServer("http://localhost:8080"))
	g.Register(Operation{Method: http.MethodGet, Path: "/widgets/{id}", ID: "getWidget", Tag: "Widgets", Response: widget{}, Errors: []int{404}})
	g.Register(Operation{Method: http.MethodPost, Path: "/widgets", ID: "createWidget", Request: createWidget{}, Response: widget{}, Status: 201})

	spec := g.Generate()

	assert.Equal(t, "Widgets", spec.Info.Title)
	assert.Equal(t, "2.0.0", spec.Info.Version)
	require.Len(t, spec.Servers, 1)

	item := spec.Paths.Value("/widgets/{id}")
	require.NotNil(t, item)
	require.Len(t, item.Parameters, 1)
	assert.Equal(t, "id", item.Parameters[0].Value.Name)
	require.NotNil(t, item.Get)
	assert.Equal(t, "getWidget", item.Get.OperationID)
	assert.NotNil(t, item.Get.Responses.Value("200"))
	assert.NotNil(t, item.Get.Responses.Value("404"))

	create := spec.Paths.Value("/widgets").Post
	require.NotNil(t, create)
	assert.NotNil(t, create.RequestBody)
	assert.NotNil(t, create.Responses.Value("201"))

	schema := spec.Components.Schemas["widget"]
	require.NotNil(t, schema)
	props := schema.Value.Properties
	assert.Contains(t, props, "id")
	assert.Contains(t, props, "created_at")
	assert.NotContains(t, props, "internal")
	assert.Equal(t, "#/components/schemas/part", props["parts"].Value.Items.Ref)
	assert.Equal(t, "date-time", props["created_at"].Value.Format)
	assert.ElementsMatch(t, []string{"id", "parts", "created_at"}, schema.Value.Required)
	assert.Contains(t, spec.Components.Schemas, "part")
	assert.Contains(t, spec.Components.Schemas, "Error")
}

func TestGenerate_Cached(t *testing.T) {
	g := NewGenerator()
	first := g.Generate()
	assert.Same(t, first, g.Generate())

	g.Register(Operation{Method: http.MethodGet, Path: "/health", ID: "health"})
	assert.NotSame(t, first, g.Generate())
}

func TestHandler(t *testing.T) {
	g := NewGenerator()
	g.Register(Operation{Method: http.MethodGet, Path: "/health", ID: "health"})

	rec := httptest.NewRecorder()
	g.Handler()(rec, httptest.NewRequest(http.MethodGet, "/openapi.json", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"operationId":"health"`)
}

func TestYAMLHandler(t *testing.T) {
	g := NewGenerator(WithTitle("Widgets"))
	g.Register(Operation{Method: http.MethodGet, Path: "/health", ID: "health"})

	rec := httptest.NewRecorder()
	g.YAMLHandler()(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "operationId: health")
	assert.Contains(t, rec.Body.String(), "title: Widgets")
}
