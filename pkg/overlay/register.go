// Registration and handshake (C7, spec.md §4.7), grounded on the
// teacher's TokenStore/pairing-code concept (internal/relay/tokens.go)
// for the shared-token model, and on the original implementation's
// client registration retry loop (re-registering on a fixed tick rather
// than only on failure, so the server's device list and this node's
// view of its own assigned IP never drift apart for long).
package overlay

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"net"
	"time"
)

// ReregistrationInterval is how often an already-registered node resends
// its RegistrationRequest, independent of failures, so a server restart
// or epoch bump is noticed promptly (§4.7).
const ReregistrationInterval = 30 * time.Second

// HandshakeTimeout bounds how long the initial handshake/secret-handshake
// exchange is allowed to take before registration is abandoned as a
// Session-class failure (§7a).
const HandshakeTimeout = 10 * time.Second

// RegistrationParams is the caller-supplied identity and preferences a
// Registrar sends to the server.
type RegistrationParams struct {
	Token            string
	DeviceID         string
	Name             string
	VirtualIPRequest net.IP // nil = no preference
	Version          string
	ServerEncrypt    bool // whether to run the secret-handshake step at all
}

// Registrar drives one node's handshake → secret-handshake →
// registration sequence against the rendezvous server, and keeps it
// current with periodic re-registration.
type Registrar struct {
	ctx     *Context
	socket  *Socket
	server  *net.UDPAddr
	params  RegistrationParams
	cipher  func(sessionNonce []byte) (Cipher, error)
	logger  *slog.Logger

	onRegistered func(*RegistrationResponse)
	onDeviceList func([]DeviceListItem)
	callbacks    Callbacks
}

// NewRegistrar builds a Registrar. cipherFor derives the server-session
// cipher from the nonce the handshake response carries (§4.2: the
// server key is HKDF-derived from the shared token and this nonce).
func NewRegistrar(ctx *Context, socket *Socket, server *net.UDPAddr, params RegistrationParams,
	cipherFor func(sessionNonce []byte) (Cipher, error), logger *slog.Logger) *Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registrar{ctx: ctx, socket: socket, server: server, params: params, cipher: cipherFor, logger: logger}
}

// OnRegistered sets the callback fired each time a RegistrationResponse
// is accepted (initial or re-registration).
func (r *Registrar) OnRegistered(fn func(*RegistrationResponse)) { r.onRegistered = fn }

// OnDeviceList sets the callback fired when a device list push/pull
// response arrives.
func (r *Registrar) OnDeviceList(fn func([]DeviceListItem)) { r.onDeviceList = fn }

// errRegistrationDenied wraps a fatal error code the server returned in
// an Error-class packet during registration.
var errRegistrationDenied = errors.New("registration denied")

// Register performs the handshake → secret-handshake → registration
// sequence once, blocking until a RegistrationResponse arrives, a fatal
// Error-class packet arrives, or ctx is cancelled.
func (r *Registrar) Register(ctx context.Context, recv <-chan *Frame) (*RegistrationResponse, error) {
	deadline, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	sessionNonce, err := r.runHandshake(deadline, recv)
	if err != nil {
		return nil, err
	}
	if r.params.ServerEncrypt {
		if err := r.runSecretHandshake(deadline, recv, sessionNonce); err != nil {
			return nil, err
		}
	}
	return r.sendRegistration(deadline, recv)
}

func (r *Registrar) runHandshake(ctx context.Context, recv <-chan *Frame) ([]byte, error) {
	req := NewHeader(ClassService, SvcHandshakeRequest, net.IPv4zero, net.IPv4zero, 1)
	if err := r.socket.WriteTo(EncodeFrame(&Frame{Header: req, Body: nil}), r.server); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ErrRegistrationTimeout
		case f := <-recv:
			if f.Header.Class == ClassService && f.Header.SubProtocol == SvcHandshakeResponse {
				return f.Body, nil // body is the session nonce
			}
			if f.Header.Class == ClassError {
				if fatal := ClassifyErrorCode(ErrorCode(f.Header.SubProtocol)); fatal != nil {
					return nil, fatal
				}
			}
		}
	}
}

func (r *Registrar) runSecretHandshake(ctx context.Context, recv <-chan *Frame, sessionNonce []byte) error {
	challenge := make([]byte, 16)
	if _, err := rand.Read(challenge); err != nil {
		return err
	}
	req := NewHeader(ClassService, SvcSecretHandshakeRequest, net.IPv4zero, net.IPv4zero, 1)
	if err := r.socket.WriteTo(EncodeFrame(&Frame{Header: req, Body: challenge}), r.server); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ErrRegistrationTimeout
		case f := <-recv:
			if f.Header.Class == ClassService && f.Header.SubProtocol == SvcSecretHandshakeResponse {
				return nil
			}
			if f.Header.Class == ClassError {
				if fatal := ClassifyErrorCode(ErrorCode(f.Header.SubProtocol)); fatal != nil {
					return fatal
				}
			}
		}
	}
}

func (r *Registrar) sendRegistration(ctx context.Context, recv <-chan *Frame) (*RegistrationResponse, error) {
	var ipReq uint32
	if r.params.VirtualIPRequest != nil {
		ipReq = ipToU32(r.params.VirtualIPRequest)
	}
	body := EncodeRegistrationRequest(&RegistrationRequest{
		Token:            r.params.Token,
		DeviceID:         r.params.DeviceID,
		Name:             r.params.Name,
		VirtualIPRequest: ipReq,
		Version:          r.params.Version,
	})
	req := NewHeader(ClassService, SvcRegistrationRequest, net.IPv4zero, net.IPv4zero, 1)
	if err := r.socket.WriteTo(EncodeFrame(&Frame{Header: req, Body: body}), r.server); err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			if r.ctx.Metrics != nil {
				r.ctx.Metrics.ObserveRegistration(false)
			}
			return nil, ErrRegistrationTimeout
		case f := <-recv:
			if f.Header.Class == ClassService && f.Header.SubProtocol == SvcRegistrationResponse {
				resp, err := DecodeRegistrationResponse(f.Body)
				if err != nil {
					return nil, err
				}
				r.ctx.Metrics.ObserveRegistration(true)
				if r.onRegistered != nil {
					r.onRegistered(resp)
				}
				return resp, nil
			}
			if f.Header.Class == ClassError {
				if fatal := ClassifyErrorCode(ErrorCode(f.Header.SubProtocol)); fatal != nil {
					r.ctx.Metrics.ObserveRegistration(false)
					return nil, fatal
				}
			}
		}
	}
}

// PullDeviceList asks the server for the current device list (§4.7,
// triggered on every epoch bump a RegistrationResponse/Ping carries).
func (r *Registrar) PullDeviceList() error {
	req := NewHeader(ClassService, SvcPullDeviceList, net.IPv4zero, net.IPv4zero, 1)
	return r.socket.WriteTo(EncodeFrame(&Frame{Header: req}), r.server)
}

// HandlePushDeviceList decodes a server-initiated device list push and
// invokes onDeviceList.
func (r *Registrar) HandlePushDeviceList(body []byte) error {
	items, err := decodeDeviceListItems(body)
	if err != nil {
		return err
	}
	if r.onDeviceList != nil {
		r.onDeviceList(items)
	}
	return nil
}

func decodeDeviceListItems(body []byte) ([]DeviceListItem, error) {
	var items []DeviceListItem
	for len(body) > 0 {
		if len(body) < 2 {
			return nil, ErrInvalidPacket
		}
		n := int(body[0])<<8 | int(body[1])
		if len(body) < 2+n {
			return nil, ErrInvalidPacket
		}
		item, err := DecodeDeviceListItem(body[2 : 2+n])
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
		body = body[2+n:]
	}
	return items, nil
}

// EncodeDeviceListBody frames a slice of DeviceListItem with a 2-byte
// length prefix per item, the shape HandlePushDeviceList expects.
func EncodeDeviceListBody(items []DeviceListItem) []byte {
	var out []byte
	for i := range items {
		enc := EncodeDeviceListItem(&items[i])
		out = append(out, byte(len(enc)>>8), byte(len(enc)))
		out = append(out, enc...)
	}
	return out
}

// RunReregistration re-sends a RegistrationRequest on ReregistrationInterval
// until ctx is cancelled, reporting failures through cb.
func (r *Registrar) RunReregistration(ctx context.Context, recv <-chan *Frame, cb Callbacks) {
	ticker := time.NewTicker(ReregistrationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.sendRegistration(ctx, recv); err != nil {
				var ce *CoreError
				if errors.As(err, &ce) && ce.Class == ClassFatal {
					cb.fireFatal(err)
					return
				}
				cb.fireSession(err)
			}
		}
	}
}
