package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tabmute/internal/events"
	"github.com/dgnsrekt/tabmute/internal/mute"
	"github.com/dgnsrekt/tabmute/internal/popup"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
)

// Service is the popup controller surface the API drives.
type Service interface {
	View() popup.View
	Open(ctx context.Context) (popup.View, error)
	Refresh(ctx context.Context) (popup.View, error)
	ToggleGlobalMute(ctx context.Context, enable bool) (popup.View, error)
	ToggleCurrentTabMute(ctx context.Context) (popup.View, error)
	ToggleSelectedTabMute(ctx context.Context) (popup.View, error)
	SelectTab(ctx context.Context, id mute.TabID) (popup.View, error)
	RequestRestore() popup.View
	CancelRestore() popup.View
	ConfirmRestore(ctx context.Context) (popup.View, error)
	EffectiveMuted(ctx context.Context, id mute.TabID) bool
}

// Reconciler exposes the background mirror.
type Reconciler interface {
	Snapshot() mute.MuteRecord
}

// Options wires optional collaborators into the server.
type Options struct {
	// Reconciler backs GET /api/v1/reconciler. Nil disables the route.
	Reconciler Reconciler
	// Broker backs GET /api/v1/events. Nil disables the stream.
	Broker *events.Broker
	// AllowedOrigins for CORS. Empty allows any origin.
	AllowedOrigins []string
}

type viewOutput struct {
	Body popup.View
}

type recordBody struct {
	IndividuallyMutedTabIDs []mute.TabID `json:"individuallyMutedTabIds"`
	GlobalMuteEnabled       bool         `json:"globalMuteEnabled"`
}

type recordOutput struct {
	Body recordBody
}

type effectiveOutput struct {
	Body struct {
		TabID mute.TabID `json:"tab_id"`
		Muted bool       `json:"muted"`
	}
}

func NewServer(svc Service, opts Options) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabmute control API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	if opts.Broker != nil {
		router.Get("/api/v1/events", events.SSEHandler(opts.Broker))
	}

	registerPopupHandlers(api, svc)
	registerTabHandlers(api, svc)
	registerRestoreHandlers(api, svc)
	if opts.Reconciler != nil {
		registerReconcilerHandlers(api, opts.Reconciler)
	}

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         86400,
	})
	return c.Handler(router)
}

func registerPopupHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "get-state", Method: http.MethodGet, Path: "/api/v1/state", Summary: "Current popup view", Tags: []string{"Popup"}},
		func(ctx context.Context, input *struct {
			Refresh bool `query:"refresh" doc:"Re-read tabs before returning"`
		}) (*viewOutput, error) {
			if !input.Refresh {
				return &viewOutput{Body: svc.View()}, nil
			}
			view, err := svc.Refresh(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &viewOutput{Body: view}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "open-popup", Method: http.MethodPost, Path: "/api/v1/popup/open", Summary: "Start a new popup session", Tags: []string{"Popup"}},
		func(ctx context.Context, _ *struct{}) (*viewOutput, error) {
			view, err := svc.Open(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &viewOutput{Body: view}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-global-mute", Method: http.MethodPut, Path: "/api/v1/global-mute", Summary: "Enable or disable global mute", Tags: []string{"Popup"}},
		func(ctx context.Context, input *struct {
			Body struct {
				Enabled bool `json:"enabled" doc:"Desired global mute state"`
			}
		}) (*viewOutput, error) {
			view, err := svc.ToggleGlobalMute(ctx, input.Body.Enabled)
			if err != nil {
				return nil, mapErr(err)
			}
			return &viewOutput{Body: view}, nil
		})
}

func registerTabHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "toggle-current-tab", Method: http.MethodPost, Path: "/api/v1/tabs/current/toggle", Summary: "Toggle mute on the active tab of the current window", Tags: []string{"Tabs"}},
		func(ctx context.Context, _ *struct{}) (*viewOutput, error) {
			view, err := svc.ToggleCurrentTabMute(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &viewOutput{Body: view}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "toggle-selected-tab", Method: http.MethodPost, Path: "/api/v1/tabs/selected/toggle", Summary: "Toggle mute on the selected tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, _ *struct{}) (*viewOutput, error) {
			view, err := svc.ToggleSelectedTabMute(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &viewOutput{Body: view}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "select-tab", Method: http.MethodPut, Path: "/api/v1/selection", Summary: "Select a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TabID int64 `json:"tab_id" minimum:"0" doc:"Tab to select"`
			}
		}) (*viewOutput, error) {
			view, err := svc.SelectTab(ctx, mute.TabID(input.Body.TabID))
			if err != nil {
				return nil, mapErr(err)
			}
			return &viewOutput{Body: view}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-effective-mute", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/effective", Summary: "Effective mute state of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID int64 `path:"tab_id"`
		}) (*effectiveOutput, error) {
			out := &effectiveOutput{}
			out.Body.TabID = mute.TabID(input.TabID)
			out.Body.Muted = svc.EffectiveMuted(ctx, out.Body.TabID)
			return out, nil
		})
}

func registerRestoreHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "request-restore", Method: http.MethodPost, Path: "/api/v1/restore/request", Summary: "Ask for restore confirmation", Tags: []string{"Restore"}},
		func(ctx context.Context, _ *struct{}) (*viewOutput, error) {
			return &viewOutput{Body: svc.RequestRestore()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "cancel-restore", Method: http.MethodPost, Path: "/api/v1/restore/cancel", Summary: "Dismiss restore confirmation", Tags: []string{"Restore"}},
		func(ctx context.Context, _ *struct{}) (*viewOutput, error) {
			return &viewOutput{Body: svc.CancelRestore()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "confirm-restore", Method: http.MethodPost, Path: "/api/v1/restore/confirm", Summary: "Unmute every tab and clear all mute state", Tags: []string{"Restore"}},
		func(ctx context.Context, _ *struct{}) (*viewOutput, error) {
			view, err := svc.ConfirmRestore(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return &viewOutput{Body: view}, nil
		})
}

func registerReconcilerHandlers(api huma.API, rec Reconciler) {
	huma.Register(api, huma.Operation{OperationID: "get-reconciler", Method: http.MethodGet, Path: "/api/v1/reconciler", Summary: "Background reconciler mirror", Tags: []string{"Reconciler"}},
		func(ctx context.Context, _ *struct{}) (*recordOutput, error) {
			snap := rec.Snapshot()
			return &recordOutput{Body: recordBody{
				IndividuallyMutedTabIDs: snap.MutedTabIDs.Sorted(),
				GlobalMuteEnabled:       snap.GlobalMute,
			}}, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *mute.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case mute.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case mute.CodeTabNotFound:
			return huma.Error404NotFound(coded.Message)
		case mute.CodeStoreUnavailable:
			return huma.Error503ServiceUnavailable(coded.Message)
		case mute.CodeCommandFailure, mute.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
