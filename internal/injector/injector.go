//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/netsync/internal/core/config"
)

func InitializeApp(ctx context.Context, cfg *config.Config) (*App, func(), error) {
	wire.Build(ServerSet)
	return nil, nil, nil
}
