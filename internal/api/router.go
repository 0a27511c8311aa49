package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/auth"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/dispatcher"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/scheduler"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// Constructed once in main and passed to NewRouter as a single struct.
type RouterConfig struct {
	DB          *gorm.DB
	Auth        *auth.Service
	Queue       *queue.Service
	Registry    *registry.Service
	Scheduler   *scheduler.Scheduler
	Dispatcher  *dispatcher.Dispatcher
	Hub         *events.Hub
	Jobs        repositories.JobRepository
	Robots      repositories.RobotRepository
	Assignments repositories.AssignmentRepository
	Schedules   repositories.ScheduleRepository
	DLQ         repositories.DLQRepository
	RobotLogs   repositories.RobotLogRepository
	PromReg     *prometheus.Registry
	Logger      *zap.Logger
	Version     string
}

// NewRouter builds the Chi router with all routes and middleware wired.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.DB, cfg.Hub, cfg.Version)
	jobs := NewJobHandler(cfg.Queue, cfg.Dispatcher, cfg.Jobs, cfg.RobotLogs, cfg.Logger)
	robots := NewRobotHandler(cfg.Registry, cfg.Robots, cfg.Assignments, cfg.RobotLogs, cfg.Auth, cfg.Logger)
	schedules := NewScheduleHandler(cfg.Scheduler, cfg.Schedules, cfg.Dispatcher, cfg.Logger)
	dlq := NewDLQHandler(cfg.Queue, cfg.DLQ, cfg.Dispatcher, cfg.Logger)
	keys := NewKeyHandler(cfg.Auth, cfg.Logger)
	ws := NewWSHandler(cfg.Hub, cfg.Logger)

	// Unauthenticated probes and scrape endpoint.
	r.Get("/healthz", health.Live)
	r.Get("/readyz", health.Ready)
	if cfg.PromReg != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.PromReg, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(Authenticate(cfg.Auth))

		r.Route("/jobs", func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceJob, auth.ActionWrite)).Post("/", jobs.Enqueue)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/", jobs.List)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/{id}", jobs.GetByID)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/{id}/history", jobs.History)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/{id}/logs", jobs.Logs)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionManage)).Post("/{id}/cancel", jobs.Cancel)
		})

		r.Route("/robots", func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionRead)).Get("/", robots.List)
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionManage)).Post("/", robots.Provision)
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionRead)).Get("/{id}", robots.GetByID)
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionManage)).Put("/{id}/status", robots.SetStatus)
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionManage)).Delete("/{id}", robots.Deregister)
			r.With(RequirePermission(auth.ResourceRobot, auth.ActionRead)).Get("/{id}/logs", robots.Logs)
		})

		r.Route("/workflows/{workflowID}", func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceWorkflow, auth.ActionRead)).Get("/assignments", robots.ListAssignments)
			r.With(RequirePermission(auth.ResourceWorkflow, auth.ActionWrite)).Delete("/assignments/{robotID}", robots.DeleteAssignment)
			r.With(RequirePermission(auth.ResourceWorkflow, auth.ActionRead)).Get("/overrides", robots.ListOverrides)
			r.With(RequirePermission(auth.ResourceWorkflow, auth.ActionWrite)).Put("/overrides/{nodeID}", robots.UpsertOverride)
			r.With(RequirePermission(auth.ResourceWorkflow, auth.ActionWrite)).Delete("/overrides/{nodeID}", robots.DeleteOverride)
		})
		r.With(RequirePermission(auth.ResourceWorkflow, auth.ActionWrite)).Post("/assignments", robots.CreateAssignment)

		r.Route("/schedules", func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionWrite)).Post("/", schedules.Create)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionRead)).Get("/", schedules.List)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionRead)).Get("/{id}", schedules.GetByID)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionWrite)).Put("/{id}", schedules.Update)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionManage)).Put("/{id}/enabled", schedules.SetEnabled)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionWrite)).Delete("/{id}", schedules.Delete)
			r.With(RequirePermission(auth.ResourceSchedule, auth.ActionManage)).Post("/{id}/run", schedules.RunNow)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/", dlq.List)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/{id}", dlq.GetByID)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionManage)).Post("/{id}/retry", dlq.Retry)
			r.With(RequirePermission(auth.ResourceJob, auth.ActionManage)).Delete("/{id}", dlq.Purge)
		})

		r.Route("/keys", func(r chi.Router) {
			r.With(RequirePermission(auth.ResourceCredential, auth.ActionManage)).Post("/", keys.Create)
			r.With(RequirePermission(auth.ResourceCredential, auth.ActionRead)).Get("/", keys.List)
			r.With(RequirePermission(auth.ResourceCredential, auth.ActionManage)).Post("/{id}/rotate", keys.Rotate)
			r.With(RequirePermission(auth.ResourceCredential, auth.ActionManage)).Delete("/{id}", keys.Revoke)
		})

		// Live event stream. Read access to jobs is the minimum bar: every
		// role has it, and the stream carries job and robot state only.
		r.With(RequirePermission(auth.ResourceJob, auth.ActionRead)).Get("/ws", ws.Serve)
	})

	return r
}
