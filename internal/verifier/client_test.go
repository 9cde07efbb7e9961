package verifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terraverify/terraverify/internal/validation"
)

func testPlot(t *testing.T) validation.PlotRequest {
	t.Helper()
	req, err := validation.ValidatePlot(
		[][]float64{{36.80, -1.30}, {36.81, -1.30}, {36.81, -1.29}, {36.80, -1.29}},
		"2022-01-01", "2023-01-01",
	)
	require.NoError(t, err)
	return *req
}

func serve(t *testing.T, status int, body string) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func requireKind(t *testing.T, o Outcome, kind ErrorKind) {
	t.Helper()
	se, ok := o.(*ServiceError)
	require.True(t, ok, "expected *ServiceError, got %T", o)
	assert.Equal(t, kind, se.Kind)
}

func TestRequestVerification_SendsRequest(t *testing.T) {
	var got verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/verify_and_visualize", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"verified": false, "reason": "no"}`))
	}))
	defer srv.Close()

	New(srv.URL+"/").RequestVerification(context.Background(), testPlot(t))

	assert.Equal(t, "2022-01-01", got.StartDate)
	assert.Equal(t, "2023-01-01", got.EndDate)
	require.Len(t, got.Coordinates, 5)
	assert.Equal(t, got.Coordinates[0], got.Coordinates[4])
}

func TestRequestVerification_Outcomes(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	encoded := base64.StdEncoding.EncodeToString(png)

	t.Run("flat verified", func(t *testing.T) {
		c := serve(t, http.StatusOK, `{"verified": true, "ndvi_start": 0.2, "ndvi_end": 0.5, "ndvi_change": 0.3,
			"area_ha": 10, "carbon_credits": 80, "plot_image_base64": "`+encoded+`"}`)
		o := c.RequestVerification(context.Background(), testPlot(t))

		v, ok := o.(Verified)
		require.True(t, ok, "got %T", o)
		assert.Equal(t, 80.0, v.CarbonCredits)
		assert.Equal(t, 0.3, v.NDVIChange)
		assert.Equal(t, png, v.PlotImage)
	})

	t.Run("nested verified with data uri", func(t *testing.T) {
		c := serve(t, http.StatusOK, `{"verification_results": {"verified": true, "ndvi_start": 0.2, "ndvi_end": 0.5,
			"ndvi_change": 0.3, "area_ha": 10, "carbon_credits": 80, "reason": null, "time_series_data": []},
			"time_series_plot": "data:image/png;base64,`+encoded+`", "rgb_map": "", "ndvi_map": ""}`)
		o := c.RequestVerification(context.Background(), testPlot(t))

		v, ok := o.(Verified)
		require.True(t, ok, "got %T", o)
		assert.Equal(t, png, v.PlotImage)
	})

	t.Run("not verified", func(t *testing.T) {
		c := serve(t, http.StatusOK, `{"verified": false, "reason": "Insufficient vegetation growth or area was already forested.", "carbon_credits": 0}`)
		o := c.RequestVerification(context.Background(), testPlot(t))

		nv, ok := o.(NotVerified)
		require.True(t, ok, "got %T", o)
		assert.Equal(t, "Insufficient vegetation growth or area was already forested.", nv.Reason)
	})

	t.Run("not verified without reason", func(t *testing.T) {
		c := serve(t, http.StatusOK, `{"verified": false}`)
		nv, ok := c.RequestVerification(context.Background(), testPlot(t)).(NotVerified)
		require.True(t, ok)
		assert.NotEmpty(t, nv.Reason)
	})

	t.Run("verified missing fields is malformed", func(t *testing.T) {
		c := serve(t, http.StatusOK, `{"verified": true, "ndvi_start": 0.2}`)
		requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), MalformedResponse)
	})

	t.Run("verified with zero credits is malformed", func(t *testing.T) {
		c := serve(t, http.StatusOK, `{"verified": true, "ndvi_start": 0.2, "ndvi_end": 0.5, "ndvi_change": 0.3, "area_ha": 10, "carbon_credits": 0}`)
		requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), MalformedResponse)
	})

	t.Run("invalid json", func(t *testing.T) {
		c := serve(t, http.StatusOK, `<html>`)
		requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), MalformedResponse)
	})

	t.Run("missing verified field", func(t *testing.T) {
		c := serve(t, http.StatusOK, `{}`)
		requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), MalformedResponse)
	})

	t.Run("error body", func(t *testing.T) {
		c := serve(t, http.StatusOK, `{"error": "Earth Engine error"}`)
		requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), MalformedResponse)
	})

	t.Run("server error is unreachable", func(t *testing.T) {
		c := serve(t, http.StatusInternalServerError, `{"error": "Server error"}`)
		requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), Unreachable)
	})

	t.Run("rate limited is unreachable", func(t *testing.T) {
		c := serve(t, http.StatusTooManyRequests, ``)
		requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), Unreachable)
	})

	t.Run("bad request is malformed", func(t *testing.T) {
		c := serve(t, http.StatusBadRequest, `{"error": "Missing required parameters"}`)
		requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), MalformedResponse)
	})
}

func TestRequestVerification_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := New(srv.URL, WithTimeout(50*time.Millisecond))
	requireKind(t, c.RequestVerification(context.Background(), testPlot(t)), Timeout)
}

func TestRequestVerification_ContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	requireKind(t, New(srv.URL).RequestVerification(ctx, testPlot(t)), Timeout)
}

func TestRequestVerification_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	requireKind(t, New(url).RequestVerification(context.Background(), testPlot(t)), Unreachable)
}

func TestDecodePlot(t *testing.T) {
	assert.Nil(t, decodePlot(""))
	assert.Nil(t, decodePlot("!!!not base64"))
	assert.Equal(t, []byte("hi"), decodePlot("aGk="))
	assert.Equal(t, []byte("hi"), decodePlot("data:image/png;base64,aGk="))
}

func TestString(t *testing.T) {
	assert.Equal(t, "not_verified", String(NotVerified{}))
	assert.Equal(t, "service_error(timeout)", String(&ServiceError{Kind: Timeout}))
	assert.Contains(t, String(Verified{CarbonCredits: 5}), "credits=5")
}
