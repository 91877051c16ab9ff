package dag

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/hashstructure/v2"
)

// ValueState describes what a Value currently carries.
type ValueState uint8

const (
	// ValueReady carries a real value.
	ValueReady ValueState = iota
	// ValuePending marks an output whose producer has not completed yet.
	// A pending Value may still carry a stale-but-valid previous value.
	ValuePending
	// ValueErrored marks an output whose producer failed.
	ValueErrored
)

func (s ValueState) String() string {
	switch s {
	case ValueReady:
		return "ready"
	case ValuePending:
		return "pending"
	case ValueErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Value is the uniform type-erased carrier for data flowing through ports.
// Values are reference-shared between consumers; the carrier itself is a
// small copyable struct.
type Value struct {
	typ    ValueTypeID
	inner  any
	state  ValueState
	err    error
	hash   uint64
	hashOK bool
}

// NewValue wraps v in a ready carrier tagged with T's ValueTypeID.
func NewValue[T any](v T) Value {
	return valueOf(TypeOf[T](), v)
}

func valueOf(typ ValueTypeID, v any) Value {
	val := Value{typ: typ, inner: v, state: ValueReady}
	if h, err := hashstructure.Hash(v, hashstructure.FormatV2, nil); err == nil {
		val.hash, val.hashOK = h, true
	}
	return val
}

// PendingValue is the sentinel for an output whose producer is outstanding.
func PendingValue(typ ValueTypeID) Value {
	return Value{typ: typ, state: ValuePending}
}

// StaleValue turns a previously completed value into a pending carrier that
// still surfaces the old value. Used for the stale-but-valid passthrough
// while an upstream async node is outstanding.
func StaleValue(prev Value) Value {
	prev.state = ValuePending
	prev.err = nil
	return prev
}

// ErrorValue is the sentinel for an output whose producer failed.
func ErrorValue(typ ValueTypeID, err error) Value {
	return Value{typ: typ, state: ValueErrored, err: err}
}

// Type returns the ValueTypeID recorded at construction.
func (v Value) Type() ValueTypeID { return v.typ }

// State returns the carrier state.
func (v Value) State() ValueState { return v.state }

// IsPending reports whether the producing node is still outstanding.
func (v Value) IsPending() bool { return v.state == ValuePending }

// IsError reports whether the producing node failed.
func (v Value) IsError() bool { return v.state == ValueErrored }

// Err returns the recorded error for errored values, nil otherwise.
func (v Value) Err() error {
	if v.state == ValueErrored {
		return v.err
	}
	return nil
}

// HasValue reports whether a real value is present. True for ready values
// and for pending values carrying a stale previous result.
func (v Value) HasValue() bool {
	return v.state != ValueErrored && v.inner != nil
}

// Hash returns the equality-based hash of the inner value. The second
// return is false when the inner type cannot be hashed, which opts the
// value out of caching.
func (v Value) Hash() (uint64, bool) {
	if v.state != ValueReady {
		return 0, false
	}
	return v.hash, v.hashOK
}

// Clone returns a copy of the carrier. The inner value is shared, not
// copied; values flowing on edges are reference-shared by contract and
// must not be mutated by consumers.
func (v Value) Clone() Value { return v }

// Equal reports structural equality. Both values must be ready, of the
// same type and hashable; otherwise Equal is false, which disables cache
// hits for the carried type.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ || v.state != ValueReady || o.state != ValueReady {
		return false
	}
	if !v.hashOK || !o.hashOK || v.hash != o.hash {
		return false
	}
	return reflect.DeepEqual(v.inner, o.inner)
}

// As extracts the inner value as T. It fails with ErrTypeMismatch if the
// recorded type differs from T, with ErrValuePending if the value is
// pending without a stale result, and with the recorded error if the value
// is errored. A pending value carrying a stale result extracts normally;
// check IsPending to distinguish.
func As[T any](v Value) (T, error) {
	var zero T
	if v.state == ValueErrored {
		return zero, v.err
	}
	want := TypeOf[T]()
	if v.typ != want {
		return zero, fmt.Errorf("%w: have %s, want %s", ErrTypeMismatch, v.typ, want)
	}
	if v.inner == nil {
		if v.state == ValuePending {
			return zero, ErrValuePending
		}
		return zero, ErrNoValue
	}
	t, ok := v.inner.(T)
	if !ok {
		return zero, fmt.Errorf("%w: carrier holds %T", ErrTypeMismatch, v.inner)
	}
	return t, nil
}
