package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/pagecopy/internal/cdpcontrol"
	"github.com/dgnsrekt/pagecopy/internal/controller"
	"github.com/dgnsrekt/pagecopy/internal/events"
	"github.com/dgnsrekt/pagecopy/internal/history"
	"github.com/dgnsrekt/pagecopy/internal/target"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Pages(ctx context.Context) ([]controller.PageStatus, error)
	Targets() []target.Descriptor
	Activate(ctx context.Context, tabID, controlID string, src history.Source) (history.Outcome, error)
	History(limit int) []history.Outcome
	TabCount() int
}

type activateInput struct {
	TabID     string `path:"tab_id" doc:"Browser target id of the page."`
	ControlID string `path:"control_id" doc:"Control id, e.g. gm-copy-ftwp-button."`
}

type historyInput struct {
	Limit int `query:"limit" default:"50" minimum:"0" maximum:"1000" doc:"Maximum number of outcomes, newest first. 0 returns everything held."`
}

func NewServer(svc Service, broker *events.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Page Copier API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("events docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/api/v1/events", events.SSEHandler(broker))
	}

	registerHealthHandlers(api, svc, broker)
	registerPageHandlers(api, svc)

	return router
}

func registerHealthHandlers(api huma.API, svc Service, broker *events.Broker) {
	type healthOutput struct {
		Body struct {
			Status     string `json:"status"`
			Pages      int    `json:"pages" doc:"Tabs with a live control set."`
			SSEClients int    `json:"sse_clients"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.Pages = svc.TabCount()
			if broker != nil {
				out.Body.SSEClients = broker.ClientCount()
			}
			return out, nil
		})
}

func registerPageHandlers(api huma.API, svc Service) {
	type targetsOutput struct {
		Body struct {
			Targets []target.Descriptor `json:"targets"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-targets", Method: http.MethodGet, Path: "/api/v1/targets", Summary: "List configured target descriptors", Tags: []string{"Targets"}},
		func(ctx context.Context, input *struct{}) (*targetsOutput, error) {
			out := &targetsOutput{}
			out.Body.Targets = svc.Targets()
			return out, nil
		})

	type pagesOutput struct {
		Body struct {
			Pages []controller.PageStatus `json:"pages"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-pages", Method: http.MethodGet, Path: "/api/v1/pages", Summary: "List attached pages and their controls", Tags: []string{"Pages"}},
		func(ctx context.Context, input *struct{}) (*pagesOutput, error) {
			pages, err := svc.Pages(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &pagesOutput{}
			out.Body.Pages = pages
			return out, nil
		})

	type outcomeOutput struct {
		Body history.Outcome
	}
	huma.Register(api, huma.Operation{OperationID: "activate-control", Method: http.MethodPost, Path: "/api/v1/pages/{tab_id}/controls/{control_id}/activate", Summary: "Activate a copy control", Description: "Runs the same extract, clean and copy cycle as clicking the control in the page.", Tags: []string{"Pages"}},
		func(ctx context.Context, input *activateInput) (*outcomeOutput, error) {
			outcome, err := svc.Activate(ctx, input.TabID, input.ControlID, history.SourceAPI)
			if err != nil {
				return nil, mapErr(err)
			}
			return &outcomeOutput{Body: outcome}, nil
		})

	type historyOutput struct {
		Body struct {
			Outcomes []history.Outcome `json:"outcomes"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-history", Method: http.MethodGet, Path: "/api/v1/history", Summary: "List recent activation outcomes", Tags: []string{"History"}},
		func(ctx context.Context, input *historyInput) (*historyOutput, error) {
			out := &historyOutput{}
			out.Body.Outcomes = svc.History(input.Limit)
			return out, nil
		})
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpcontrol.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpcontrol.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpcontrol.CodePageNotFound, cdpcontrol.CodeControlNotFound:
			return huma.Error404NotFound(coded.Message)
		case cdpcontrol.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case cdpcontrol.CodeCDPUnavailable:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
