package api

import (
	"net/http"

	"github.com/rom8726/helio"
)

type Server struct {
	engine  helio.IEngine
	stats   StatsProvider
	plugins []Plugin
}

func NewServer(engine helio.IEngine, stats StatsProvider, plugins ...Plugin) *Server {
	return &Server{
		engine:  engine,
		stats:   stats,
		plugins: plugins,
	}
}

func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()

	RegisterCoreRoutes(mux, s.engine, s.stats)

	for _, plugin := range s.plugins {
		plugin.RegisterRoutes(mux)
	}

	return mux
}

func (s *Server) Plugins() []Plugin {
	return s.plugins
}
