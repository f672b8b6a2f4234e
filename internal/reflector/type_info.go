package reflector

import (
	"path"
	"reflect"
	"sync"
)

var (
	muCache sync.RWMutex
	cache   = make(map[reflect.Type]TypeInfo)
)

// TypeInfo describes a named Go type.
type TypeInfo struct {
	// Name is the short package name and the type name, e.g. "orders.Placed".
	Name string
	// FullName uses the full import path, e.g. "example.com/app/orders.Placed".
	FullName string
	Type     reflect.Type
}

func TypeInfoOf(x any) TypeInfo {
	return TypeInfoForType(reflect.TypeOf(x))
}

func TypeInfoFor[T any]() TypeInfo {
	return TypeInfoForType(reflect.TypeOf((*T)(nil)).Elem())
}

func TypeInfoForType(t reflect.Type) TypeInfo {
	if t == nil {
		return TypeInfo{}
	}

	muCache.RLock()
	ti, ok := cache[t]
	muCache.RUnlock()
	if ok {
		return ti
	}

	key := t
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	ti = TypeInfo{Type: t}
	if t.PkgPath() == "" {
		ti.Name = t.String()
		ti.FullName = t.String()
	} else {
		ti.Name = path.Base(t.PkgPath()) + "." + t.Name()
		ti.FullName = t.PkgPath() + "." + t.Name()
	}

	muCache.Lock()
	cache[key] = ti
	muCache.Unlock()
	return ti
}
