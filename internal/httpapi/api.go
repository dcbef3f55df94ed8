package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"ecfr-dashboard/internal/dashboard"
	"ecfr-dashboard/internal/logging"
	"ecfr-dashboard/internal/wordcount"
)

func (h *handler) listAgencies(w http.ResponseWriter, r *http.Request) {
	raw, err := h.Service.ListAgencies(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

func (h *handler) listTitles(w http.ResponseWriter, r *http.Request) {
	raw, err := h.Service.ListTitles(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeRaw(w, http.StatusOK, raw)
}

// changes serves title mode when title is present, agency mode otherwise.
func (h *handler) changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := h.Service.Changes(r.Context(), dashboard.ChangesQuery{
		Title:     q.Get("title"),
		Agency:    q.Get("agency"),
		StartDate: q.Get("startDate"),
		EndDate:   q.Get("endDate"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if raw, ok := out.(json.RawMessage); ok {
		writeRaw(w, http.StatusOK, raw)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *handler) wordCounts(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.WordCounts(r.Context(), r.URL.Query().Get("agency"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *handler) structure(w http.ResponseWriter, r *http.Request) {
	out, err := h.Service.ContentStructure(r.Context(), r.URL.Query().Get("agency"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// growth lists the agencies whose word count grew most. An unparseable or
// out of range days value falls back to the default window.
func (h *handler) growth(w http.ResponseWriter, r *http.Request) {
	days := wordcount.DefaultGrowthDays
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= wordcount.MaxGrowthDays {
			days = n
		}
	}
	out, err := wordcount.Hotspots(r.Context(), h.Store, h.Now(), days)
	if err != nil {
		writeError(w, r, &dashboard.Error{
			Status:  http.StatusInternalServerError,
			Message: "Failed to compute growth hotspots",
			Err:     err,
		})
		return
	}
	writeJSON(w, r, http.StatusOK, out)
}

// refresh runs the pipeline synchronously. The run is detached from the
// client connection so that a disconnect does not discard the work done,
// but it is cancelled with the server.
func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	if h.Lifetime.Err() != nil {
		writeMessage(w, r, http.StatusServiceUnavailable, "Server is shutting down")
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	stop := context.AfterFunc(h.Lifetime, cancel)
	defer stop()

	res, err := h.Refresher.Run(ctx)
	switch {
	case errors.Is(err, wordcount.ErrRefreshRunning):
		writeMessage(w, r, http.StatusConflict, "Refresh already running")
	case errors.Is(err, wordcount.ErrRefresherClosed), err != nil && h.Lifetime.Err() != nil:
		writeMessage(w, r, http.StatusServiceUnavailable, "Server is shutting down")
	case err != nil:
		logging.FromContext(r.Context()).Error("refresh failed", slog.Any("error", err))
		writeMessage(w, r, http.StatusBadGateway, "Refresh failed")
	default:
		writeJSON(w, r, http.StatusOK, res)
	}
}

type breakerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type statusResponse struct {
	LastRefresh    string          `json:"last_refresh"`
	RefreshRunning bool            `json:"refresh_running"`
	NextRefresh    string          `json:"next_refresh,omitempty"`
	Breakers       []breakerStatus `json:"breakers,omitempty"`
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	last, err := h.Store.GetState(r.Context(), wordcount.StateLastRefresh)
	if err != nil {
		writeError(w, r, &dashboard.Error{
			Status:  http.StatusInternalServerError,
			Message: "Failed to read status",
			Err:     err,
		})
		return
	}
	out := statusResponse{LastRefresh: last, RefreshRunning: h.Refresher.Running()}
	if h.Scheduler != nil {
		if next := h.Scheduler.Next(); !next.IsZero() {
			out.NextRefresh = next.UTC().Format(time.RFC3339)
		}
	}
	for _, cb := range h.Breakers {
		out.Breakers = append(out.Breakers, breakerStatus{Name: cb.Name(), State: cb.State().String()})
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		logging.FromContext(r.Context()).Error("health check failed", slog.Any("error", err))
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}
