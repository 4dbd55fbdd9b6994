package app

import (
	"context"
	"fmt"
	"os"
	"time"
)

type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components"`
}

type HealthService struct {
	app *App
}

func NewHealthService(app *App) *HealthService {
	return &HealthService{app: app}
}

func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:     "up",
		Timestamp:  time.Now().UTC(),
		Components: make(map[string]string),
	}

	if info, err := os.Stat(s.app.Paths.DataRoot); err != nil || !info.IsDir() {
		status.Status = "degraded"
		status.Components["data_root"] = "missing: " + s.app.Paths.DataRoot
	} else {
		status.Components["data_root"] = "ok"
	}

	if s.app.manifest != nil {
		if runs, err := s.app.manifest.LoadRuns(1); err != nil {
			status.Status = "degraded"
			status.Components["manifest"] = "error: " + err.Error()
		} else if len(runs) > 0 {
			status.Components["manifest"] = fmt.Sprintf("ok (last run %s, %d ok, %d failed)", runs[0].Theme, runs[0].OK, runs[0].Failed)
		} else {
			status.Components["manifest"] = "ok (no runs)"
		}
	} else if s.app.Config.DB.IsEnabled() {
		status.Status = "degraded"
		status.Components["manifest"] = "missing but enabled in config"
	}

	if q, ok := s.app.writeQueue.(interface{ Len() int }); ok {
		status.Components["write_queue"] = fmt.Sprintf("ok (%d pending)", q.Len())
	}

	if s.app.sharedCodes != nil {
		status.Components["codelists"] = fmt.Sprintf("ok (%d cached)", s.app.sharedCodes.Len())
	}

	return status
}
