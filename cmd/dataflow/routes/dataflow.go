package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/lyzr/dataflow/cmd/dataflow/handlers"
	"github.com/lyzr/dataflow/common/bootstrap"
)

// RegisterDataflowRoutes registers the workflow lifecycle routes
func RegisterDataflowRoutes(e *echo.Echo, components *bootstrap.Components) {
	h := handlers.NewWorkflowHandler(components)

	dataflows := e.Group("/api/v1/dataflows")
	{
		dataflows.POST("", h.CreateWorkflow)              // POST /api/v1/dataflows
		dataflows.GET("/:id", h.GetWorkflow)              // GET /api/v1/dataflows/{id}
		dataflows.POST("/:id/start", h.Start)             // POST /api/v1/dataflows/{id}/start
		dataflows.POST("/:id/execute", h.Execute)         // POST /api/v1/dataflows/{id}/execute
		dataflows.GET("/:id/output", h.Output)            // GET /api/v1/dataflows/{id}/output
		dataflows.POST("/:id/cancel", h.Cancel)           // POST /api/v1/dataflows/{id}/cancel
		dataflows.POST("/:id/terminate", h.Terminate)     // POST /api/v1/dataflows/{id}/terminate
		dataflows.POST("/:id/commands", h.ExecuteCommands) // POST /api/v1/dataflows/{id}/commands
		dataflows.POST("/:id/commits", h.SubmitCommit)    // POST /api/v1/dataflows/{id}/commits
		dataflows.GET("/:id/commits/pending", h.PendingCommits)
		dataflows.GET("/:id/nodes", h.ListNodes)          // GET /api/v1/dataflows/{id}/nodes
		dataflows.GET("/:id/data", h.ListData)            // GET /api/v1/dataflows/{id}/data
	}
}
