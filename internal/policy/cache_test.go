package policy

import (
	"context"
	"errors"
	"testing"

	"transitwatch/internal/incident"
	"transitwatch/pkg/logx"
)

type fakeCache struct {
	fields map[string]map[string]string
	err    error
}

func (f fakeCache) PolicyFields(_ context.Context, id string) (map[string]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.fields[id], nil
}

func TestReader_MissingPolicyIsDisabled(t *testing.T) {
	t.Parallel()
	r := NewReader(fakeCache{}, logx.Nop())
	p, err := r.Load(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.Enabled {
		t.Fatalf("missing policy enabled = true, want false")
	}
}

func TestReader_ReadFailureDenies(t *testing.T) {
	t.Parallel()
	r := NewReader(fakeCache{err: errors.New("cache unavailable")}, logx.Nop())
	if _, err := r.Load(context.Background(), "u1"); err == nil {
		t.Fatalf("Load should surface the cache error")
	}
	if p := r.Read(context.Background(), "u1"); p.Enabled {
		t.Fatalf("Read after failure enabled = true, want false")
	}
}

func TestReader_DecodesFields(t *testing.T) {
	t.Parallel()
	r := NewReader(fakeCache{fields: map[string]map[string]string{
		"u1": {
			incident.FieldEnabled:    "true",
			incident.FieldSeverities: "suspended, bogus",
			incident.FieldActiveDays: "1,2,9",
			incident.FieldStartHour:  "23",
			incident.FieldEndHour:    "nope",
		},
	}}, logx.Nop())

	p := r.Read(context.Background(), "u1")
	if !p.Enabled || p.StartHour != 23 || p.EndHour != 24 {
		t.Fatalf("policy = %+v", p)
	}
	if len(p.Severities) != 1 || !p.Severities[incident.Suspended] {
		t.Fatalf("severities = %v, want {suspended}", p.Severities)
	}
	if len(p.ActiveDays) != 2 {
		t.Fatalf("active days = %v, want 2 entries", p.ActiveDays)
	}
}
