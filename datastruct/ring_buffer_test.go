package datastruct

import (
	"reflect"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[string](3)
	if all := r.GetAll(); len(all) != 0 || r.Len() != 0 {
		t.Fatalf("%+v", all)
	}
	r.Push("a")
	r.Push("b")
	if all := r.GetAll(); !reflect.DeepEqual(all, []string{"a", "b"}) {
		t.Fatalf("%+v", all)
	}
	r.Push("c")
	r.Push("d")
	if all := r.GetAll(); !reflect.DeepEqual(all, []string{"b", "c", "d"}) || r.Len() != 3 {
		t.Fatalf("%+v", all)
	}
	var reversed []string
	r.IterateReverse(func(elem string) bool {
		reversed = append(reversed, elem)
		return len(reversed) < 2
	})
	if !reflect.DeepEqual(reversed, []string{"d", "c"}) {
		t.Fatalf("%+v", reversed)
	}
	r.Clear()
	if all := r.GetAll(); len(all) != 0 {
		t.Fatalf("%+v", all)
	}
	r.Push("e")
	if all := r.GetAll(); !reflect.DeepEqual(all, []string{"e"}) {
		t.Fatalf("%+v", all)
	}
}
