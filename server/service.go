package server

import (
	"errors"
	"fmt"
	"go/token"
	"reflect"
)

type methodType struct {
	method    reflect.Method
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var errorType = reflect.TypeOf((*error)(nil)).Elem()

// newService 创建 service 并扫描所有合法方法
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("rpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("rpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	if !token.IsExported(srv.name) {
		return nil, fmt.Errorf("rpc: type %s is not exported", srv.name)
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, errors.New("rpc: type " + srv.name + " has no methods of the form Method(*Args, *Reply) error")
	}
	return srv, nil
}

// registerMethods 扫描导出方法，合法签名: func (rcvr) Method(*Args, *Reply) error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumIn() != 3 || mt.NumOut() != 1 || mt.Out(0) != errorType ||
			mt.In(1).Kind() != reflect.Ptr || mt.In(2).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			ArgType:   mt.In(1).Elem(),
			ReplyType: mt.In(2).Elem(),
		}
	}
}

// call 通过反射调用方法
func (s *service) call(mType *methodType, argv, replyv reflect.Value) error {
	args := [3]reflect.Value{s.rcvr, argv, replyv}
	results := mType.method.Func.Call(args[:])
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}
