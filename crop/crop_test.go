package crop

import (
	"math"
	"math/rand"
	"testing"
)

func newState(t *testing.T, iw, ih, cw, ch int) *State {
	t.Helper()
	s, err := New(iw, ih, cw, ch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestFit(t *testing.T) {
	s := newState(t, 1000, 2000, 350, 450)
	wantMin := math.Max(350.0/1000, 450.0/2000)
	if s.MinScale != wantMin || math.Abs(s.Scale-wantMin*1.1) > 1e-12 {
		t.Fatalf("scale = %v (min %v)", s.Scale, s.MinScale)
	}
	if math.Abs(s.PosX-(350-1000*s.Scale)/2) > 1e-9 || math.Abs(s.PosY-(450-2000*s.Scale)/2) > 1e-9 {
		t.Errorf("not centred: (%v, %v)", s.PosX, s.PosY)
	}
	if !s.Covers() {
		t.Error("fit violates coverage")
	}
}

func TestPanClamps(t *testing.T) {
	s := newState(t, 800, 800, 400, 400)
	s.Pan(10000, 10000)
	if s.PosX != 0 || s.PosY != 0 {
		t.Errorf("pan right/down: (%v, %v)", s.PosX, s.PosY)
	}
	s.Pan(-10000, -10000)
	if math.Abs(s.PosX+s.ImageW*s.Scale-s.ContainerW) > 1e-9 {
		t.Errorf("pan left: right edge at %v", s.PosX+s.ImageW*s.Scale)
	}
}

func TestNonFiniteGesturesIgnored(t *testing.T) {
	nan, inf := math.NaN(), math.Inf(1)
	cases := []struct {
		name string
		do   func(s *State)
	}{
		{"pan nan", func(s *State) { s.Pan(nan, 3) }},
		{"pan inf", func(s *State) { s.Pan(5, inf) }},
		{"pan -inf", func(s *State) { s.Pan(-inf, -inf) }},
		{"zoom nan", func(s *State) { s.Zoom(nan) }},
		{"zoom at nan pivot", func(s *State) { s.ZoomAt(1.5, nan, 200) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newState(t, 800, 800, 400, 400)
			x, y, sc := s.PosX, s.PosY, s.Scale
			tc.do(s)
			if s.PosX != x || s.PosY != y || s.Scale != sc {
				t.Errorf("state moved to (%v, %v) x%v", s.PosX, s.PosY, s.Scale)
			}
			if !s.Covers() {
				t.Error("coverage lost")
			}
		})
	}
}

func TestZoomBounds(t *testing.T) {
	s := newState(t, 800, 600, 400, 400)
	s.Zoom(0.0001)
	if s.Scale != s.MinScale {
		t.Errorf("zoom out: %v, want %v", s.Scale, s.MinScale)
	}
	s.Zoom(1e6)
	if s.Scale != s.MinScale*5 {
		t.Errorf("zoom in: %v, want %v", s.Scale, s.MinScale*5)
	}
	if !s.Covers() {
		t.Error("zoom violates coverage")
	}
}

func TestZoomAtKeepsPivot(t *testing.T) {
	s := newState(t, 1000, 1000, 400, 400)
	s.Zoom(s.MinScale * 2)
	wx := (200 - s.PosX) / s.Scale
	s.ZoomAt(1.5, 200, 200)
	if got := (200 - s.PosX) / s.Scale; math.Abs(got-wx) > 1e-9 {
		t.Errorf("pivot moved from %v to %v", wx, got)
	}
}

func TestInvariantUnderRandomGestures(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		s := newState(t, 200+rng.Intn(3000), 200+rng.Intn(3000), 100+rng.Intn(500), 100+rng.Intn(500))
		for step := 0; step < 200; step++ {
			switch rng.Intn(4) {
			case 0:
				s.Pan(rng.Float64()*800-400, rng.Float64()*800-400)
			case 1:
				s.Zoom(s.MinScale * rng.Float64() * 8)
			case 2:
				s.ZoomAt(0.5+rng.Float64(), rng.Float64()*s.ContainerW, rng.Float64()*s.ContainerH)
			case 3:
				if err := s.SetContainer(100+rng.Intn(500), 100+rng.Intn(500)); err != nil {
					t.Fatal(err)
				}
			}
			if !s.Covers() {
				t.Fatalf("trial %d step %d: invariant broken: %+v", trial, step, *s)
			}
		}
	}
}

func TestRect(t *testing.T) {
	s := newState(t, 1000, 1000, 500, 500)
	s.Zoom(0.5)
	r := s.Rect()
	if r.X != 0 || r.Y != 0 || r.W != 1000 || r.H != 1000 {
		t.Errorf("rect at min scale = %+v", r)
	}
}

func TestNewRejectsBadSizes(t *testing.T) {
	if _, err := New(0, 10, 10, 10); err == nil {
		t.Fatal("expected error")
	}
}
