package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/dispatch-sla-back/internal/http/handlers"
	"github.com/iago/dispatch-sla-back/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *log.Logger
	ServiceToken   string
	JWTSecret      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", deps.API.Health)
	mux.HandleFunc("/v1/jobs", deps.API.JobsCollection)
	mux.HandleFunc("/v1/jobs/", deps.API.JobSubroutes)
	mux.HandleFunc("/v1/attempts/", deps.API.AttemptSubroutes)
	mux.HandleFunc("/v1/breaches", deps.API.Breaches)
	mux.HandleFunc("/v1/escalations", deps.API.Escalations)
	mux.HandleFunc("/v1/workers", deps.API.Workers)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.ServiceToken, []byte(deps.JWTSecret))(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
