package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestNextAfterSimple(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d := Descriptor{Kind: KindSimple, Timeout: time.Hour}

	got, err := d.NextAfter(base)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	if want := base.Add(time.Hour); !got.Equal(want) {
		t.Fatalf("NextAfter() = %v, want %v", got, want)
	}
}

func TestNextAfterSimpleInvalidTimeout(t *testing.T) {
	t.Parallel()

	d := Descriptor{Kind: KindSimple, Timeout: 0}
	if _, err := d.NextAfter(time.Now()); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("NextAfter() error = %v, want ErrBadDescriptor", err)
	}
}

func TestNextAfterCron(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
		tz   string
		from time.Time
		want time.Time
	}{
		{
			name: "every five minutes",
			expr: "*/5 * * * *",
			from: time.Date(2026, 3, 1, 12, 3, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
		},
		{
			name: "exactly on a firing instant moves to the next",
			expr: "*/5 * * * *",
			from: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC),
		},
		{
			name: "daily in a named timezone",
			expr: "30 6 * * *",
			tz:   "Europe/Berlin",
			from: time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 6, 11, 6, 30, 0, 0, mustLoad(t, "Europe/Berlin")),
		},
		{
			name: "descriptor shorthand",
			expr: "@daily",
			from: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := Descriptor{Kind: KindCron, Expr: tt.expr, TZ: tt.tz}
			got, err := d.NextAfter(tt.from)
			if err != nil {
				t.Fatalf("NextAfter() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("NextAfter() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNextAfterCronInvalid(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{"", "* * *", "61 * * * *"} {
		d := Descriptor{Kind: KindCron, Expr: expr}
		if _, err := d.NextAfter(time.Now()); !errors.Is(err, ErrBadDescriptor) {
			t.Errorf("NextAfter(%q) error = %v, want ErrBadDescriptor", expr, err)
		}
	}
}

func TestNextAfterUnknownKind(t *testing.T) {
	t.Parallel()

	d := Descriptor{Kind: "interval"}
	if _, err := d.NextAfter(time.Now()); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("NextAfter() error = %v, want ErrBadDescriptor", err)
	}
}

func TestNextAfterUnknownTimezone(t *testing.T) {
	t.Parallel()

	d := Descriptor{Kind: KindCron, Expr: "* * * * *", TZ: "Mars/Olympus"}
	if _, err := d.NextAfter(time.Now()); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("NextAfter() error = %v, want ErrBadDescriptor", err)
	}
}

// A schedule in the 02:xx hour that does not exist on the US spring-forward
// day must not fire during the gap.
func TestNextAfterCronDSTSpringForward(t *testing.T) {
	t.Parallel()

	loc := mustLoad(t, "America/New_York")
	d := Descriptor{Kind: KindCron, Expr: "30 2 * * *", TZ: "America/New_York"}

	// 2026-03-08: clocks jump from 02:00 to 03:00.
	from := time.Date(2026, 3, 8, 1, 0, 0, 0, loc)
	got, err := d.NextAfter(from)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	want := time.Date(2026, 3, 9, 2, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("NextAfter() = %v, want %v (skipped hour must not fire)", got, want)
	}
}

// On the fall-back day the 01:xx hour occurs twice; a schedule inside it must
// fire exactly once.
func TestNextAfterCronDSTFallBack(t *testing.T) {
	t.Parallel()

	loc := mustLoad(t, "America/New_York")
	d := Descriptor{Kind: KindCron, Expr: "30 1 * * *", TZ: "America/New_York"}

	// 2026-11-01: clocks fall back from 02:00 EDT to 01:00 EST.
	from := time.Date(2026, 11, 1, 0, 0, 0, 0, loc)
	first, err := d.NextAfter(from)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	if first.Day() != 1 || first.Hour() != 1 || first.Minute() != 30 {
		t.Fatalf("first firing = %v, want 01:30 on Nov 1", first)
	}

	second, err := d.NextAfter(first)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	if second.Day() != 2 {
		t.Fatalf("second firing = %v, want Nov 2 (repeated hour fires once)", second)
	}
}

func TestNextAfterMonotonic(t *testing.T) {
	t.Parallel()

	d := Descriptor{Kind: KindCron, Expr: "0 */6 * * *"}
	cur := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		next, err := d.NextAfter(cur)
		if err != nil {
			t.Fatalf("NextAfter() error = %v", err)
		}
		if !next.After(cur) {
			t.Fatalf("NextAfter(%v) = %v, not strictly after", cur, next)
		}
		cur = next
	}
}

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}
