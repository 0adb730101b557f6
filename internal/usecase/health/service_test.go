package health

import (
	"context"
	"errors"
	"testing"
)

type mockDBPinger struct {
	err error
}

func (m *mockDBPinger) Ping(_ context.Context) error { return m.err }

type mockComparatorChecker struct {
	err error
}

func (m *mockComparatorChecker) HealthCheck(_ context.Context) error { return m.err }

func TestCheck(t *testing.T) {
	failing := errors.New("down")
	tests := []struct {
		name           string
		db             error
		comparator     ComparatorChecker
		wantStatus     Status
		wantComparator CheckResult
	}{
		{"all healthy", nil, &mockComparatorChecker{}, Healthy, CheckOK},
		{"comparator down", nil, &mockComparatorChecker{err: failing}, Degraded, CheckError},
		{"database down", failing, &mockComparatorChecker{}, Unhealthy, CheckOK},
		{"both down", failing, &mockComparatorChecker{err: failing}, Unhealthy, CheckError},
		{"no comparator", nil, nil, Healthy, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := New(&mockDBPinger{err: tc.db}, tc.comparator).Check(context.Background())
			if r.Status != tc.wantStatus {
				t.Errorf("status = %q, want %q", r.Status, tc.wantStatus)
			}
			if r.Checks[ComponentComparator] != tc.wantComparator {
				t.Errorf("comparator = %q, want %q", r.Checks[ComponentComparator], tc.wantComparator)
			}
			wantDB := CheckOK
			if tc.db != nil {
				wantDB = CheckError
			}
			if r.Checks[ComponentDatabase] != wantDB {
				t.Errorf("database = %q, want %q", r.Checks[ComponentDatabase], wantDB)
			}
		})
	}
}

func TestCheck_NoComparatorOmitted(t *testing.T) {
	r := New(&mockDBPinger{}, nil).Check(context.Background())
	if _, ok := r.Checks[ComponentComparator]; ok {
		t.Error("comparator check should be omitted when not configured")
	}
}
