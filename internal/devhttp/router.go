package devhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Routes lists the function behind each API route. Nil functions are not mounted.
type Routes struct {
	Subscribe      LambdaFunc
	Confirm        LambdaFunc
	UnsubscribeGET LambdaFunc
	Unsubscribe    LambdaFunc
	Resubscribe    LambdaFunc
	Publish        LambdaFunc
	SESEvents      LambdaFunc
	Stats          LambdaFunc
}

// NewRouter mounts routes at the paths of the deployed HTTP API. allowedOrigins
// are the browser origins allowed to call it, usually the local site.
func NewRouter(routes Routes, log zerolog.Logger, allowedOrigins ...string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(log))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("request")
	}))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	mount(r, http.MethodGet, "/confirm", routes.Confirm)
	r.Route("/api", func(r chi.Router) {
		mount(r, http.MethodPost, "/subscribe", routes.Subscribe)
		mount(r, http.MethodGet, "/unsubscribe", routes.UnsubscribeGET)
		mount(r, http.MethodPost, "/unsubscribe", routes.Unsubscribe)
		mount(r, http.MethodPost, "/resubscribe", routes.Resubscribe)
		mount(r, http.MethodPost, "/publish", routes.Publish)
		mount(r, http.MethodPost, "/ses-events", routes.SESEvents)
		mount(r, http.MethodGet, "/stats", routes.Stats)
	})
	return r
}

func mount(r chi.Router, method, pattern string, fn LambdaFunc) {
	if fn == nil {
		return
	}
	r.Method(method, pattern, Handler(fn))
	// Handlers answer their own preflight requests.
	r.Method(http.MethodOptions, pattern, Handler(fn))
}
