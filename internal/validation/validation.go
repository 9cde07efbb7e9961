// Package validation checks plot geometry, monitoring periods and wallet
// addresses before anything is sent to an external service.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DateLayout is the calendar date format accepted for monitoring periods.
const DateLayout = "2006-01-02"

// minArea is the smallest enclosed area (in square degrees) treated as non-degenerate.
const minArea = 1e-12

// Sentinel errors, matched with errors.Is.
var (
	ErrInvalidGeometry  = errors.New("invalid geometry")
	ErrInvalidDateRange = errors.New("invalid date range")
	ErrInvalidWallet    = errors.New("invalid wallet address")
)

// ValidationError describes why a submission was rejected.
type ValidationError struct {
	Kind    error
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func geometryError(format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidGeometry, Message: fmt.Sprintf(format, args...)}
}

func dateError(format string, args ...any) error {
	return &ValidationError{Kind: ErrInvalidDateRange, Message: fmt.Sprintf(format, args...)}
}

// Point is a WGS84 coordinate.
type Point struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// PlotRequest is a validated submission: a closed ring and an ordered period.
type PlotRequest struct {
	Polygon     []Point
	PeriodStart time.Time
	PeriodEnd   time.Time
}

// Coordinates returns the ring as [lon, lat] pairs.
func (p PlotRequest) Coordinates() [][]float64 {
	out := make([][]float64, len(p.Polygon))
	for i, pt := range p.Polygon {
		out[i] = []float64{pt.Lon, pt.Lat}
	}
	return out
}

// StartDate returns the period start as YYYY-MM-DD.
func (p PlotRequest) StartDate() string { return p.PeriodStart.Format(DateLayout) }

// EndDate returns the period end as YYYY-MM-DD.
func (p PlotRequest) EndDate() string { return p.PeriodEnd.Format(DateLayout) }

// ValidatePlot checks a polygon and monitoring period. An open ring is closed
// by repeating its first vertex.
func ValidatePlot(coords [][]float64, periodStart, periodEnd string) (*PlotRequest, error) {
	polygon, err := ValidatePolygon(coords)
	if err != nil {
		return nil, err
	}

	start, end, err := ValidatePeriod(periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	return &PlotRequest{Polygon: polygon, PeriodStart: start, PeriodEnd: end}, nil
}

// ValidatePolygon returns the closed ring for coords.
func ValidatePolygon(coords [][]float64) ([]Point, error) {
	if len(coords) == 0 {
		return nil, geometryError("polygon has no coordinates")
	}

	ring := make([]Point, 0, len(coords)+1)
	for i, c := range coords {
		if len(c) != 2 {
			return nil, geometryError("coordinate %d must be [lon, lat]", i)
		}
		lon, lat := c[0], c[1]
		if math.IsNaN(lon) || math.IsNaN(lat) || math.IsInf(lon, 0) || math.IsInf(lat, 0) {
			return nil, geometryError("coordinate %d is not a finite number", i)
		}
		if lon < -180 || lon > 180 {
			return nil, geometryError("coordinate %d longitude %g out of range [-180, 180]", i, lon)
		}
		if lat < -90 || lat > 90 {
			return nil, geometryError("coordinate %d latitude %g out of range [-90, 90]", i, lat)
		}
		ring = append(ring, Point{Lon: lon, Lat: lat})
	}

	if ring[0] != ring[len(ring)-1] || len(ring) == 1 {
		ring = append(ring, ring[0])
	}

	distinct := make(map[Point]struct{}, len(ring))
	for _, p := range ring[:len(ring)-1] {
		distinct[p] = struct{}{}
	}
	if len(distinct) < 3 {
		return nil, geometryError("polygon needs at least 3 distinct vertices, got %d", len(distinct))
	}

	if math.Abs(ShoelaceArea(ring)) < minArea {
		return nil, geometryError("polygon encloses no area")
	}

	return ring, nil
}

// ShoelaceArea returns the signed planar area of a closed ring in square
// degrees. Counter-clockwise rings are positive.
func ShoelaceArea(ring []Point) float64 {
	var sum float64
	for i := 0; i+1 < len(ring); i++ {
		sum += ring[i].Lon*ring[i+1].Lat - ring[i+1].Lon*ring[i].Lat
	}
	return sum / 2
}

// ValidatePeriod parses both dates and checks their order. Equal dates are allowed.
func ValidatePeriod(periodStart, periodEnd string) (time.Time, time.Time, error) {
	start, err := time.Parse(DateLayout, strings.TrimSpace(periodStart))
	if err != nil {
		return time.Time{}, time.Time{}, dateError("start date %q is not YYYY-MM-DD", periodStart)
	}
	end, err := time.Parse(DateLayout, strings.TrimSpace(periodEnd))
	if err != nil {
		return time.Time{}, time.Time{}, dateError("end date %q is not YYYY-MM-DD", periodEnd)
	}
	if start.After(end) {
		return time.Time{}, time.Time{}, dateError("start date %s is after end date %s", start.Format(DateLayout), end.Format(DateLayout))
	}
	return start, end, nil
}

// ValidateAddress validates an EVM wallet address (0x-prefixed, 40 hex chars).
func ValidateAddress(addr string) error {
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") {
		return fmt.Errorf("%w: must start with 0x", ErrInvalidWallet)
	}
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: must be 0x followed by 40 hex characters", ErrInvalidWallet)
	}
	if common.HexToAddress(addr) == (common.Address{}) {
		return fmt.Errorf("%w: zero address", ErrInvalidWallet)
	}
	return nil
}
