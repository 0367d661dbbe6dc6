package http_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentd/internal/catalog"
	httpserver "github.com/fyrsmithlabs/agentd/internal/http"
)

// goalsOnly serves the goal list; other calls are not expected here.
type goalsOnly struct {
	httpserver.Control
}

func (goalsOnly) Goals() []catalog.Goal {
	return []catalog.Goal{{ID: "travel", Name: "Travel Agent"}}
}

// ExampleServer_Handler demonstrates serving the API without a listener.
func ExampleServer_Handler() {
	server, err := httpserver.NewServer(goalsOnly{}, zap.NewNop(), nil)
	if err != nil {
		panic(err)
	}

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/goals", nil))

	fmt.Println(rec.Code)
	// Output: 200
}
