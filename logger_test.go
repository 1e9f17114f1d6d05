package polybase

import (
	"reflect"
	"testing"
)

type recordingLogger struct {
	NoOpLogger
	msgs   []string
	fields [][]interface{}
}

func (l *recordingLogger) Info(msg string, fields ...interface{}) {
	l.msgs = append(l.msgs, msg)
	l.fields = append(l.fields, fields)
}

func TestWith(t *testing.T) {
	base := &recordingLogger{}
	log := With(With(base, "provider", "local"), "project", "app")
	log.Info("started", "took", 3)

	want := []interface{}{"provider", "local", "project", "app", "took", 3}
	if len(base.fields) != 1 || !reflect.DeepEqual(base.fields[0], want) {
		t.Errorf("fields = %v, want %v", base.fields, want)
	}
}

func TestWith_OddFields(t *testing.T) {
	base := &recordingLogger{}
	With(base, "dangling").Info("x")
	if got := base.fields[0]; len(got) != 2 || got[1] != "<missing>" {
		t.Errorf("expected a padded pair, got %v", got)
	}
}

func TestWith_NilBase(t *testing.T) {
	if _, ok := With(nil, "k", "v").(*NoOpLogger); !ok {
		t.Error("With(nil) should return a NoOpLogger")
	}
	if _, ok := orNoOp(nil).(*NoOpLogger); !ok {
		t.Error("orNoOp(nil) should return a NoOpLogger")
	}
}
