package connector

import (
	"context"
	"encoding/json"
	"iter"

	"go.uber.org/zap"

	"extract-sync-service/internal/logger"
	"extract-sync-service/internal/retry"
)

// Params are the request parameters of one page fetch.
type Params = map[string]any

// Response is one decoded page payload.
type Response = map[string]any

// Pager supplies the extension points of the pagination loop.
type Pager interface {
	// InitialParameters builds the parameters of the first request.
	InitialParameters(ds RemoteDataset, cfg Config) (Params, error)
	// FetchPage performs one request. It is retried by the loop.
	FetchPage(ctx context.Context, params Params, cfg Config) (Response, error)
	// ExtractRows projects a page payload into rows, in source order.
	ExtractRows(resp Response) ([]Row, error)
	// NextPageParameters returns nil once the pages are exhausted.
	NextPageParameters(resp Response, prev Params, cfg Config) (Params, error)
}

// CheckpointPager is implemented by pagers that can resume from a watermark.
type CheckpointPager interface {
	Pager
	// ResumeParameters builds the first request from a stored checkpoint.
	// A nil checkpoint means a full rescan.
	ResumeParameters(ds RemoteDataset, cfg Config, checkpoint json.RawMessage) (Params, error)
	// AdvanceCheckpoint folds one row into the running checkpoint.
	AdvanceCheckpoint(current json.RawMessage, row Row) (json.RawMessage, error)
}

// BaseConnector implements the streaming capabilities for paginated REST
// sources. Concrete connectors embed it and set Pager to themselves.
type BaseConnector struct {
	ConnectorKey string
	Pager        Pager
	Retry        *retry.Service
}

func (b *BaseConnector) retrier() *retry.Service {
	if b.Retry == nil {
		return retry.New(retry.DefaultPolicy)
	}
	return b.Retry
}

// Capabilities reports the streaming capabilities the pager actually wires.
func (b *BaseConnector) Capabilities() []Capability {
	if b.Pager == nil {
		return nil
	}
	caps := []Capability{CapStreamRows}
	if _, ok := b.Pager.(CheckpointPager); ok {
		caps = append(caps, CapStreamRowsWithCheckpoint)
	}
	if _, ok := b.Pager.(CanInferSchema); ok {
		caps = append(caps, CapInferSchema)
	}
	if _, ok := b.Pager.(CanListIdentities); ok {
		caps = append(caps, CapListIdentities)
	}
	return caps
}

func (b *BaseConnector) StreamRows(ctx context.Context, ds RemoteDataset, cfg Config) iter.Seq2[Row, error] {
	if b.Pager == nil {
		return NewCheckpointStream(func(func(Row) bool) (json.RawMessage, error) {
			return nil, NotImplemented(b.ConnectorKey, CapStreamRows)
		}).Rows()
	}
	return Seq(func(yield func(Row) bool) (json.RawMessage, error) {
		params, err := b.Pager.InitialParameters(ds, cfg)
		if err != nil {
			return nil, err
		}
		return b.paginate(ctx, params, cfg, nil, yield)
	})
}

func (b *BaseConnector) StreamRowsWithCheckpoint(ctx context.Context, ds RemoteDataset, cfg Config, checkpoint json.RawMessage) *CheckpointStream {
	cp, ok := b.Pager.(CheckpointPager)
	if !ok {
		return FailedStream(NotImplemented(b.ConnectorKey, CapStreamRowsWithCheckpoint))
	}
	return NewCheckpointStream(func(yield func(Row) bool) (json.RawMessage, error) {
		params, err := cp.ResumeParameters(ds, cfg, checkpoint)
		if err != nil {
			return nil, err
		}
		return b.paginate(ctx, params, cfg, checkpoint, yield)
	})
}

// paginate runs fetch page, yield rows, compute next parameters until the
// pager reports no further page. Only one page is held in memory.
func (b *BaseConnector) paginate(ctx context.Context, params Params, cfg Config, checkpoint json.RawMessage, yield func(Row) bool) (json.RawMessage, error) {
	cp, tracking := b.Pager.(CheckpointPager)
	page := 0
	for params != nil {
		page++
		p := params
		resp, err := retry.DoValue(ctx, b.retrier(), b.ConnectorKey+" fetch page", func(ctx context.Context) (Response, error) {
			return b.Pager.FetchPage(ctx, p, cfg)
		})
		if err != nil {
			return nil, err
		}

		rows, err := b.Pager.ExtractRows(resp)
		if err != nil {
			return nil, err
		}
		logger.Log.Debug("Fetched page",
			zap.String("connector", b.ConnectorKey),
			zap.Int("page", page),
			zap.Int("rows", len(rows)),
		)

		for _, row := range rows {
			if !yield(row) {
				return nil, nil
			}
			if tracking {
				if checkpoint, err = cp.AdvanceCheckpoint(checkpoint, row); err != nil {
					return nil, err
				}
			}
		}

		if params, err = b.Pager.NextPageParameters(resp, p, cfg); err != nil {
			return nil, err
		}
	}
	return checkpoint, nil
}
