package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"extract-sync-service/internal/retry"
)

// pagedAPI serves fixed pages keyed by page number.
type pagedAPI struct {
	pages    [][]Row
	failures map[int]int // page -> remaining failures
	fetches  int
}

func (p *pagedAPI) InitialParameters(ds RemoteDataset, cfg Config) (Params, error) {
	return Params{"page": 0}, nil
}

func (p *pagedAPI) FetchPage(ctx context.Context, params Params, cfg Config) (Response, error) {
	p.fetches++
	n := params["page"].(int)
	if p.failures[n] > 0 {
		p.failures[n]--
		return nil, &TransportError{Op: "fetch", StatusCode: 503}
	}
	return Response{"page": n, "results": p.pages[n]}, nil
}

func (p *pagedAPI) ExtractRows(resp Response) ([]Row, error) {
	return resp["results"].([]Row), nil
}

func (p *pagedAPI) NextPageParameters(resp Response, prev Params, cfg Config) (Params, error) {
	next := resp["page"].(int) + 1
	if next >= len(p.pages) {
		return nil, nil
	}
	return Params{"page": next}, nil
}

// watermarkAPI resumes after the highest id seen.
type watermarkAPI struct {
	pagedAPI
}

func (w *watermarkAPI) ResumeParameters(ds RemoteDataset, cfg Config, checkpoint json.RawMessage) (Params, error) {
	if checkpoint == nil {
		return Params{"page": 0}, nil
	}
	var cp struct{ Page int }
	if err := json.Unmarshal(checkpoint, &cp); err != nil {
		return nil, err
	}
	if cp.Page+1 >= len(w.pages) {
		return nil, nil
	}
	return Params{"page": cp.Page + 1}, nil
}

func (w *watermarkAPI) AdvanceCheckpoint(current json.RawMessage, row Row) (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"Page":%d}`, row["page"])), nil
}

func threePages() [][]Row {
	var pages [][]Row
	id := 0
	for p := 0; p < 3; p++ {
		var rows []Row
		for i := 0; i < 2; i++ {
			id++
			rows = append(rows, Row{"id": strconv.Itoa(id), "page": p})
		}
		pages = append(pages, rows)
	}
	return pages
}

func newBase(p Pager) *BaseConnector {
	return &BaseConnector{ConnectorKey: "fake", Pager: p, Retry: retry.New(retry.Policy{MaxAttempts: 3}).NoWait()}
}

func collect(t *testing.T, seq func(func(Row, error) bool)) ([]string, error) {
	t.Helper()
	var ids []string
	for row, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, row["id"].(string))
	}
	return ids, nil
}

func TestBaseConnector_StreamsPagesInOrder(t *testing.T) {
	api := &pagedAPI{pages: threePages()}
	b := newBase(api)

	ids, err := collect(t, b.StreamRows(context.Background(), RemoteDataset{Identifier: "contacts"}, nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "4", "5", "6"}, ids)
	assert.Equal(t, 3, api.fetches)
}

func TestBaseConnector_RetriesPageFetch(t *testing.T) {
	api := &pagedAPI{pages: threePages(), failures: map[int]int{1: 2}}
	b := newBase(api)

	ids, err := collect(t, b.StreamRows(context.Background(), RemoteDataset{}, nil))
	require.NoError(t, err)
	assert.Len(t, ids, 6)
	assert.Equal(t, 5, api.fetches)
}

func TestBaseConnector_PropagatesErrorAfterRetries(t *testing.T) {
	api := &pagedAPI{pages: threePages(), failures: map[int]int{2: 10}}
	b := newBase(api)

	ids, err := collect(t, b.StreamRows(context.Background(), RemoteDataset{}, nil))
	require.Error(t, err)
	var te *TransportError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, []string{"1", "2", "3", "4"}, ids)
}

func TestBaseConnector_StopsFetchingWhenConsumerStops(t *testing.T) {
	api := &pagedAPI{pages: threePages()}
	b := newBase(api)

	for row, err := range b.StreamRows(context.Background(), RemoteDataset{}, nil) {
		require.NoError(t, err)
		if row["id"] == "1" {
			break
		}
	}
	assert.Equal(t, 1, api.fetches)
}

func TestBaseConnector_CheckpointStream(t *testing.T) {
	api := &watermarkAPI{pagedAPI{pages: threePages()}}
	b := newBase(api)
	ctx := context.Background()

	stream := b.StreamRowsWithCheckpoint(ctx, RemoteDataset{}, nil, nil)
	_, err := stream.Checkpoint()
	require.ErrorIs(t, err, ErrStreamNotDrained)

	ids, err := collect(t, stream.Rows())
	require.NoError(t, err)
	assert.Len(t, ids, 6)
	cp, err := stream.Checkpoint()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Page":2}`, string(cp))

	// Resuming from the final checkpoint yields nothing and keeps it.
	again := b.StreamRowsWithCheckpoint(ctx, RemoteDataset{}, nil, cp)
	ids, err = collect(t, again.Rows())
	require.NoError(t, err)
	assert.Empty(t, ids)
	next, err := again.Checkpoint()
	require.NoError(t, err)
	assert.JSONEq(t, string(cp), string(next))
}

func TestBaseConnector_CheckpointUnsupported(t *testing.T) {
	b := newBase(&pagedAPI{pages: threePages()})

	assert.Equal(t, []Capability{CapStreamRows}, b.Capabilities())

	stream := b.StreamRowsWithCheckpoint(context.Background(), RemoteDataset{}, nil, nil)
	_, err := collect(t, stream.Rows())
	require.Error(t, err)
	assert.True(t, IsNotImplemented(err))
}

type bareConnector struct{}

func (bareConnector) Key() string   { return "bare" }
func (bareConnector) Label() string { return "Bare" }

func (bareConnector) Fields() []Field {
	return []Field{{Name: "path", Required: true}, {Name: "delimiter", Default: ","}}
}

func (bareConnector) Test(ctx context.Context, cfg Config) error { return nil }

func (bareConnector) Datasets(ctx context.Context, cfg Config) ([]RemoteDataset, error) {
	return []RemoteDataset{{Identifier: "a"}}, nil
}

func TestCapabilities_Discovery(t *testing.T) {
	c := bareConnector{}
	assert.Empty(t, Capabilities(c))

	_, err := Streamer(c)
	require.Error(t, err)
	assert.True(t, IsNotImplemented(err))
	assert.Nil(t, SchemaInferrer(c))
}

func TestValidateConfig(t *testing.T) {
	c := bareConnector{}

	_, err := ValidateConfig(c, Config{})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	cfg, err := ValidateConfig(c, Config{"path": "/data"})
	require.NoError(t, err)
	assert.Equal(t, ",", cfg["delimiter"])
}

func TestFindDataset(t *testing.T) {
	ds, err := FindDataset(context.Background(), bareConnector{}, nil, "a")
	require.NoError(t, err)
	assert.Equal(t, "a", ds.Identifier)

	_, err = FindDataset(context.Background(), bareConnector{}, nil, "b")
	assert.True(t, IsConfigError(err))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(bareConnector{})
	c, err := r.Get("bare")
	require.NoError(t, err)
	assert.Equal(t, "Bare", c.Label())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownConnector)
	assert.Equal(t, []string{"bare"}, r.Keys())
}

func TestRemoteSchema(t *testing.T) {
	_, err := NewRemoteSchema(RemoteField{Name: "id"}, RemoteField{Name: "id"})
	require.Error(t, err)

	a, err := NewRemoteSchema(RemoteField{Name: "id", SuggestedType: TypeInteger}, RemoteField{Name: "name", SuggestedType: TypeString})
	require.NoError(t, err)
	b, err := NewRemoteSchema(RemoteField{Name: "name", SuggestedType: TypeString}, RemoteField{Name: "id", SuggestedType: TypeInteger})
	require.NoError(t, err)
	assert.Equal(t, a.Hash(), b.Hash())

	c, err := NewRemoteSchema(RemoteField{Name: "id", SuggestedType: TypeString}, RemoteField{Name: "name", SuggestedType: TypeString})
	require.NoError(t, err)
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestDatasetLabel(t *testing.T) {
	assert.Equal(t, "Companies House", DatasetLabel("companies_house.csv"))
	assert.Equal(t, "Deal Pipeline", DatasetLabel("deal-pipeline"))
	assert.Equal(t, "Contacts", DatasetLabel("exports/contacts.csv"))
}

func TestDatasetLabel_Concurrent(t *testing.T) {
	inputs := map[string]string{
		"companies_house.csv":  "Companies House",
		"deal-pipeline":        "Deal Pipeline",
		"exports/contacts.csv": "Contacts",
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		for in, want := range inputs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 50; j++ {
					assert.Equal(t, want, DatasetLabel(in))
				}
			}()
		}
	}
	wg.Wait()
}

func TestTransportError_Retryable(t *testing.T) {
	assert.True(t, (&TransportError{StatusCode: 503}).Retryable())
	assert.True(t, (&TransportError{StatusCode: 429}).Retryable())
	assert.True(t, (&TransportError{Err: errors.New("dial")}).Retryable())
	assert.False(t, (&TransportError{StatusCode: 401}).Retryable())
}
