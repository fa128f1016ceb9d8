package jobs

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

var Module = fx.Module("jobs",
	fx.Provide(NewService),
	fx.Invoke(registerMiddleware),
)

func registerMiddleware(mux *asynq.ServeMux, s *Service) {
	mux.Use(s.Middleware)
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Job{}}
}
