package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/will-x86/storagebridge"
)

// Storage is one origin's string key/value store, the equivalent of a
// browser's localStorage.
type Storage interface {
	GetItem(key string) (string, bool, error)
	SetItem(key, value string) error
	RemoveItem(key string) error
	Clear() error
	Keys() ([]string, error)
}

// Apply executes req against s and returns the protocol result: the value
// (or nil) for getItem, the sorted key list for getAllKeys, nil otherwise.
func Apply(ctx context.Context, s Storage, req bridge.Request) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	switch req.Method {
	case bridge.MethodGetItem:
		v, ok, err := s.GetItem(*req.Key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return v, nil
	case bridge.MethodSetItem:
		return nil, s.SetItem(*req.Key, *req.Value)
	case bridge.MethodRemoveItem:
		return nil, s.RemoveItem(*req.Key)
	case bridge.MethodClear:
		return nil, s.Clear()
	case bridge.MethodGetAllKeys:
		keys, err := s.Keys()
		if err != nil {
			return nil, err
		}
		sort.Strings(keys)
		return keys, nil
	}

	return nil, fmt.Errorf("%w: %q", bridge.ErrInvalidMethod, req.Method)
}
