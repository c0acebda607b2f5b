// Package server exposes the engine to front ends over HTTP and JSON-RPC 2.0.
package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	geoscale "github.com/ZanzyTHEbar/geoscale-genkit"
	"github.com/ZanzyTHEbar/geoscale-genkit/internal/catalog"
)

// Engine is the part of geoscale.Engine the front ends use.
type Engine interface {
	Run(ctx context.Context, q geoscale.Query) (*geoscale.Response, error)
	Submit(ctx context.Context, q geoscale.Query) (string, error)
	Status(runID string) (*geoscale.AsyncRunStatus, error)
	Result(runID string) (*geoscale.Response, error)
	Cancel(runID string) (bool, error)
}

// RatingStore persists user ratings of runs.
type RatingStore interface {
	Rate(ctx context.Context, r catalog.Rating) error
	Ratings(ctx context.Context, runID string) ([]catalog.Rating, error)
}

// DatasetLister lists the registered datasets.
type DatasetLister interface {
	Descriptors() []geoscale.DatasetDescriptor
}

// QueryRequest is the body of a query call.
type QueryRequest struct {
	Query string         `json:"query"`
	Area  *geoscale.Area `json:"area,omitempty"`
	Fresh bool           `json:"fresh,omitempty"`
}

// invalidRequestError marks caller mistakes, reported as 400 or invalid params.
type invalidRequestError struct {
	msg string
}

func (e *invalidRequestError) Error() string { return e.msg }

func invalidRequest(format string, args ...interface{}) error {
	return &invalidRequestError{msg: fmt.Sprintf(format, args...)}
}

func isInvalidRequest(err error) bool {
	var e *invalidRequestError
	return errors.As(err, &e)
}

func (r QueryRequest) toQuery() (geoscale.Query, error) {
	if strings.TrimSpace(r.Query) == "" {
		return geoscale.Query{}, invalidRequest("query is required")
	}
	return geoscale.Query{Text: r.Query, Area: r.Area, Fresh: r.Fresh}, nil
}

// RateRequest is the body of a rate call.
type RateRequest struct {
	RunID   string `json:"run_id"`
	Rating  int    `json:"rating"`
	Comment string `json:"comment,omitempty"`
}

// Service holds the operations both front ends serve.
type Service struct {
	engine   Engine
	ratings  RatingStore
	datasets DatasetLister
}

func NewService(engine Engine, ratings RatingStore, datasets DatasetLister) *Service {
	return &Service{engine: engine, ratings: ratings, datasets: datasets}
}

// Query runs a query to completion. Failed runs are returned as responses
// with a Diagnostic, not as errors; an error means the request was invalid.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*geoscale.Response, error) {
	q, err := req.toQuery()
	if err != nil {
		return nil, err
	}
	resp, _ := s.engine.Run(ctx, q)
	return resp, nil
}

// Submit starts a query in the background.
func (s *Service) Submit(ctx context.Context, req QueryRequest) (string, error) {
	q, err := req.toQuery()
	if err != nil {
		return "", err
	}
	return s.engine.Submit(ctx, q)
}

// Rate records a rating of a finished run.
func (s *Service) Rate(ctx context.Context, req RateRequest) error {
	if s.ratings == nil {
		return geoscale.NewConfigurationError("ratings are not configured", nil)
	}
	if strings.TrimSpace(req.RunID) == "" {
		return invalidRequest("run_id is required")
	}
	if req.Rating < 1 || req.Rating > 5 {
		return invalidRequest("rating must be between 1 and 5, got %d", req.Rating)
	}
	return s.ratings.Rate(ctx, catalog.Rating{RunID: req.RunID, Rating: req.Rating, Comment: req.Comment})
}

// Datasets lists the registered datasets.
func (s *Service) Datasets() []geoscale.DatasetDescriptor {
	if s.datasets == nil {
		return nil
	}
	return s.datasets.Descriptors()
}
