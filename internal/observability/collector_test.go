package observability

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionCollector_RecordRequest(t *testing.T) {
	c := NewSessionCollector()

	c.RecordRequest(200, 40*time.Millisecond, 1000, nil)
	c.RecordRequest(200, 60*time.Millisecond, 500, nil)
	c.RecordRequest(503, 10*time.Millisecond, 0, errors.New("Server error (HTTP 503)"))

	m := c.Summary()
	if m.Requests != 3 {
		t.Errorf("expected 3 requests, got %d", m.Requests)
	}
	if m.Failed != 1 {
		t.Errorf("expected 1 failed, got %d", m.Failed)
	}
	if m.BytesReceived != 1500 {
		t.Errorf("expected 1500 bytes, got %d", m.BytesReceived)
	}
	if m.TotalLatency != 110*time.Millisecond {
		t.Errorf("expected 110ms total latency, got %s", m.TotalLatency)
	}
	if m.StatusCounts[200] != 2 {
		t.Errorf("expected 2 responses with status 200, got %d", m.StatusCounts[200])
	}
	if m.StatusCounts[503] != 1 {
		t.Errorf("expected 1 response with status 503, got %d", m.StatusCounts[503])
	}
}

func TestSessionCollector_TransportFailuresGroupUnderZero(t *testing.T) {
	c := NewSessionCollector()

	c.RecordRequest(0, 5*time.Millisecond, 0, errors.New("connection refused"))
	c.RecordRequest(0, 5*time.Millisecond, 0, errors.New("Request timed out"))

	m := c.Summary()
	if m.StatusCounts[0] != 2 {
		t.Errorf("expected 2 attempts without a response, got %d", m.StatusCounts[0])
	}
	if m.Failed != 2 {
		t.Errorf("expected 2 failed, got %d", m.Failed)
	}
}

func TestSessionCollector_RecordRetry(t *testing.T) {
	c := NewSessionCollector()

	c.RecordRetry()
	c.RecordRetry()

	m := c.Summary()
	if m.Retries != 2 {
		t.Errorf("expected 2 retries, got %d", m.Retries)
	}
}

func TestSessionCollector_RecordAuthRefresh(t *testing.T) {
	c := NewSessionCollector()

	c.RecordAuthRefresh(nil)
	c.RecordAuthRefresh(errors.New("Credentials rejected"))

	m := c.Summary()
	if m.AuthRefreshes != 2 {
		t.Errorf("expected 2 auth refreshes, got %d", m.AuthRefreshes)
	}
	if m.Failed != 1 {
		t.Errorf("expected failed refresh to count, got %d", m.Failed)
	}
}

func TestSessionCollector_SummaryCopiesStatusCounts(t *testing.T) {
	c := NewSessionCollector()
	c.RecordRequest(200, time.Millisecond, 10, nil)

	first := c.Summary()
	first.StatusCounts[200] = 99

	second := c.Summary()
	if second.StatusCounts[200] != 1 {
		t.Errorf("summary map should be a copy, got %d", second.StatusCounts[200])
	}
}

func TestSessionCollector_SummaryTimes(t *testing.T) {
	c := NewSessionCollector()

	m := c.Summary()
	if m.StartTime.IsZero() {
		t.Error("expected start time to be set")
	}
	if m.EndTime.Before(m.StartTime) {
		t.Errorf("end %s before start %s", m.EndTime, m.StartTime)
	}
}

func TestSessionCollector_Reset(t *testing.T) {
	c := NewSessionCollector()
	c.RecordRequest(200, time.Millisecond, 10, nil)
	c.RecordRetry()
	c.RecordAuthRefresh(errors.New("boom"))

	c.Reset()

	m := c.Summary()
	if m.Requests != 0 || m.Retries != 0 || m.Failed != 0 || m.AuthRefreshes != 0 {
		t.Errorf("expected zeroed counters after reset, got %+v", m)
	}
	if len(m.StatusCounts) != 0 {
		t.Errorf("expected empty status counts after reset, got %v", m.StatusCounts)
	}
}

func TestSessionCollector_Concurrent(t *testing.T) {
	c := NewSessionCollector()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordRequest(200, time.Millisecond, 1, nil)
				c.RecordRetry()
			}
		}()
	}
	wg.Wait()

	m := c.Summary()
	if m.Requests != 1000 {
		t.Errorf("expected 1000 requests, got %d", m.Requests)
	}
	if m.Retries != 1000 {
		t.Errorf("expected 1000 retries, got %d", m.Retries)
	}
	if m.BytesReceived != 1000 {
		t.Errorf("expected 1000 bytes, got %d", m.BytesReceived)
	}
}
