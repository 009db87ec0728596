package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/taskgate/internal/config"
	"github.com/pitabwire/taskgate/internal/observability"
	"github.com/pitabwire/taskgate/internal/openapi"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Contract     *openapi.Contract
	Readiness    observability.ReadinessChecks
	// MetricsHandler serves /metrics; nil uses the default registry.
	MetricsHandler http.Handler

	Tasks     TaskService
	Workflows WorkflowRegistry
	Directory Directory
	Gate      Authorizer
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and the contract document
// bypass the authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = observability.Handler()
	}
	r.Method(http.MethodGet, metricsPath, metricsHandler)
	r.Get("/api/openapi.yaml", handleContract(deps.Contract))

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths, logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/api/workflow-metadata", func(r chi.Router) {
			r.Post("/register", handleRegisterWorkflow(deps.Workflows, deps.Gate, deps.Contract))
			r.Post("/deploy", handleDeployWorkflow(deps.Workflows, deps.Gate, deps.Contract))
			r.Get("/{processDefinitionKey}", handleGetWorkflow(deps.Workflows, deps.Gate))
			r.Post("/{processDefinitionKey}/deactivate", handleDeactivateWorkflow(deps.Workflows, deps.Gate))
		})

		r.Route("/api/users/{userId}", func(r chi.Router) {
			r.Get("/", handleGetUser(deps.Directory, deps.Gate))
			r.Get("/roles", handleGetUserRoles(deps.Directory, deps.Gate))
			r.Post("/roles", handleAssignUserRoles(deps.Directory, deps.Gate, deps.Contract))
			r.Delete("/roles", handleRemoveUserRoles(deps.Directory, deps.Gate, deps.Contract))
		})

		r.Get("/api/business-apps/{businessApp}/roles", handleListAppRoles(deps.Directory))

		r.Route("/api/{businessApp}", func(r chi.Router) {
			r.Use(BindBusinessApp)

			r.Get("/tasks/queue/{queue}", handleListQueue(deps.Tasks))
			r.Get("/tasks/queue/{queue}/next", handleNextTask(deps.Tasks))
			r.Get("/tasks/my-tasks", handleMyTasks(deps.Tasks))
			r.Get("/tasks/{taskId}", handleGetTask(deps.Tasks))
			r.Post("/tasks/{taskId}/claim", handleClaimTask(deps.Tasks))
			r.Post("/tasks/{taskId}/unclaim", handleUnclaimTask(deps.Tasks))
			r.Post("/tasks/{taskId}/complete", handleCompleteTask(deps.Tasks, deps.Contract))

			r.Post("/process-instances/start", handleStartProcess(deps.Tasks, deps.Contract))
			r.Get("/process-instances/{processInstanceId}", handleGetProcessInstance(deps.Tasks))
		})
	})

	return r
}

func handleContract(contract *openapi.Contract) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if !contract.Loaded() {
			WriteNotFound(w, "API contract not loaded")
			return
		}
		w.Header().Set("Content-Type", "application/yaml")
		w.WriteHeader(http.StatusOK)
		w.Write(contract.Document())
	}
}
