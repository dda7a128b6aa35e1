package ids

import (
	"testing"
	"time"
)

func TestNewAtSortsByTime(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	first := NewAt(base)
	second := NewAt(base.Add(time.Second))
	if first >= second {
		t.Fatalf("expected %s < %s", first, second)
	}
	sameA := NewAt(base)
	sameB := NewAt(base)
	if sameA == sameB {
		t.Fatalf("expected distinct ids within the same millisecond")
	}
}

func TestTimeRoundTrip(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	got, err := Time(NewAt(base))
	if err != nil {
		t.Fatalf("Time: %v", err)
	}
	if !got.Equal(base) {
		t.Fatalf("expected %v, got %v", base, got)
	}
	if _, err := Time("not-a-ulid"); err == nil {
		t.Fatalf("expected parse error")
	}
}
