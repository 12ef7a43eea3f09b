package schedule

import (
	"errors"
	"testing"
	"time"
)

func TestParseOnCalendarInvalid(t *testing.T) {
	t.Parallel()

	for _, expr := range []string{
		"",
		"Funday 12:00",
		"2026-01 12:00",
		"*-*-* 25:00",
		"*-*-* 12:61",
		"*-13-* 12:00",
		"one two three four",
	} {
		if _, err := ParseOnCalendar(expr); !errors.Is(err, ErrBadDescriptor) {
			t.Errorf("ParseOnCalendar(%q) error = %v, want ErrBadDescriptor", expr, err)
		}
	}
}

func TestOnCalendarNext(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		expr string
		from time.Time
		want time.Time
	}{
		{
			name: "daily shorthand",
			expr: "daily",
			from: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "hourly shorthand",
			expr: "hourly",
			from: time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly lands on monday",
			expr: "weekly",
			from: time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC), // a Wednesday
			want: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "explicit time",
			expr: "*-*-* 06:30",
			from: time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC),
		},
		{
			name: "time with seconds",
			expr: "*-*-* 06:30:45",
			from: time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 6, 30, 45, 0, time.UTC),
		},
		{
			name: "weekday range",
			expr: "Mon..Fri 09:00",
			from: time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC), // Friday after 9
			want: time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC),  // next Monday
		},
		{
			name: "wrap-around weekday range",
			expr: "Fri..Mon 09:00",
			from: time.Date(2026, 3, 6, 10, 0, 0, 0, time.UTC), // Friday after 9
			want: time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC),  // Saturday
		},
		{
			name: "day of month",
			expr: "*-*-15 00:00",
			from: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
			want: time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC),
		},
		{
			name: "minute step",
			expr: "*-*-* *:00/15",
			from: time.Date(2026, 3, 1, 12, 16, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		},
		{
			name: "hour list",
			expr: "*-*-* 08,20:00",
			from: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
		},
		{
			name: "exact instant excluded",
			expr: "*-*-* 06:30",
			from: time.Date(2026, 3, 1, 6, 30, 0, 0, time.UTC),
			want: time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC),
		},
		{
			name: "leap day",
			expr: "*-02-29 00:00",
			from: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			want: time.Date(2028, 2, 29, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := Descriptor{Kind: KindOnCalendar, Expr: tt.expr}
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

func TestOnCalendarNeverFires(t *testing.T) {
	t.Parallel()

	// February 30th exists in no year.
	d := Descriptor{Kind: KindOnCalendar, Expr: "*-02-30 00:00"}
	if _, err := d.NextAfter(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)); !errors.Is(err, ErrBadDescriptor) {
		t.Fatalf("NextAfter() error = %v, want ErrBadDescriptor", err)
	}
}

func TestOnCalendarDSTGap(t *testing.T) {
	t.Parallel()

	loc := mustLoad(t, "America/New_York")
	d := Descriptor{Kind: KindOnCalendar, Expr: "*-*-* 02:30", TZ: "America/New_York"}

	// The 02:xx hour does not exist on 2026-03-08.
	from := time.Date(2026, 3, 8, 1, 0, 0, 0, loc)
	got, err := d.NextAfter(from)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	want := time.Date(2026, 3, 9, 2, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("NextAfter() = %v, want %v (gap must not fire)", got, want)
	}
}

func TestOnCalendarDSTRepeatedHour(t *testing.T) {
	t.Parallel()

	loc := mustLoad(t, "America/New_York")
	d := Descriptor{Kind: KindOnCalendar, Expr: "*-*-* 01:30", TZ: "America/New_York"}

	// 2026-11-01 repeats the 01:xx hour.
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
