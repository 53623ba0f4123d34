package rpc

import (
	"github.com/pkg/errors"

	capnp "github.com/tunnelwire/capnp/capnp"
)

// Method keys a handler registration (§6.2's vtable, §9's dynamic
// dispatch): the generator would produce typed wrappers around these, but
// the core operates on untyped reader/builder pairs.
type Method struct {
	InterfaceID uint64
	MethodID    uint16
}

// Handler is one registered method implementation. The results struct
// passed to Fn is freshly allocated with the declared shape; Fn reads
// params and writes results.
type Handler struct {
	ResultsDataWords uint16
	ResultsPtrWords  uint16
	Fn               func(params capnp.Struct, results capnp.Struct) error
}

// Server is a keyed-map method dispatcher implementing Interface, built at
// registration time.
type Server struct {
	methods map[Method]Handler
}

// NewServer returns an empty dispatcher.
func NewServer() *Server {
	return &Server{methods: make(map[Method]Handler)}
}

// Register installs h for (interfaceID, methodID), replacing any previous
// registration.
func (s *Server) Register(interfaceID uint64, methodID uint16, h Handler) {
	s.methods[Method{InterfaceID: interfaceID, MethodID: methodID}] = h
}

// Call dispatches to the registered handler, allocating the results struct
// in its own message so the peer can clone it into the outbound Return.
func (s *Server) Call(interfaceID uint64, methodID uint16, params capnp.Struct) (capnp.Struct, error) {
	h, ok := s.methods[Method{InterfaceID: interfaceID, MethodID: methodID}]
	if !ok {
		return capnp.Struct{}, errors.Errorf("unimplemented method %#x.%d", interfaceID, methodID)
	}
	msg, err := capnp.NewMessage(capnp.NewSingleSegmentArena(nil))
	if err != nil {
		return capnp.Struct{}, err
	}
	results, err := capnp.NewRootStruct(msg, h.ResultsDataWords, h.ResultsPtrWords)
	if err != nil {
		return capnp.Struct{}, err
	}
	if err := h.Fn(params, results); err != nil {
		return capnp.Struct{}, err
	}
	return results, nil
}
