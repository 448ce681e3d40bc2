// Package wire encodes and decodes the platform's XML method envelope.
//
// An outgoing request is three sibling sections wrapped in a request root:
//
//	<request>
//	  <auth><hmac-data algName="HMACSHA256">...</hmac-data></auth>
//	  <header>...</header>
//	  <info>...</info>
//	</request>
//
// The auth section is an HMAC over the serialized header, keyed by the
// session shared secret; the header carries a SHA-256 hash of the info
// section. Anonymous bootstrap calls omit the auth section.
package wire

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/beevik/etree"

	"github.com/careforge/healthlink/pkg/hmacx"
)

// Envelope field defaults.
const (
	DefaultCultureCode = "en-US"
	DefaultVersion     = "healthlink-go/1.0"
	DefaultTTLSeconds  = 1800
)

var (
	// ErrHeaderIdentity reports a header with both or neither of app-id and
	// auth-session on a non-anonymous method.
	ErrHeaderIdentity = errors.New("wire: header requires exactly one of app-id or auth-session")

	// ErrNoStatus reports a response without a status section.
	ErrNoStatus = errors.New("wire: response has no status code")
)

// AuthSession is the auth-session block embedded in authenticated requests.
// OfflinePersonID is set only for record-scoped calls made on behalf of a
// specific person.
type AuthSession struct {
	AuthToken       string
	OfflinePersonID string
}

// Header describes the header section of a request. Exactly one of AppID and
// AuthSession must be set unless Anonymous is true.
type Header struct {
	Method        string
	MethodVersion string

	AppID       string
	AuthSession *AuthSession
	Anonymous   bool

	CultureCode string
	MsgTime     time.Time
	TTLSeconds  int
	Version     string
}

// Request is one platform method call before serialization. Info holds the
// method-specific payload as raw inner XML; AuthSecret is the base64 session
// (or app) shared secret used for the auth HMAC, empty for anonymous calls.
type Request struct {
	Header     Header
	Info       string
	AuthSecret string
}

// Marshal serializes the request into the platform envelope.
func Marshal(req Request) ([]byte, error) {
	h := req.Header
	if !h.Anonymous {
		if (h.AppID == "") == (h.AuthSession == nil) {
			return nil, ErrHeaderIdentity
		}
	} else if h.AppID != "" && h.AuthSession != nil {
		return nil, ErrHeaderIdentity
	}

	if h.CultureCode == "" {
		h.CultureCode = DefaultCultureCode
	}
	if h.MsgTime.IsZero() {
		h.MsgTime = time.Now().UTC()
	}
	if h.TTLSeconds == 0 {
		h.TTLSeconds = DefaultTTLSeconds
	}
	if h.Version == "" {
		h.Version = DefaultVersion
	}

	infoEl := etree.NewElement("info")
	if req.Info != "" {
		inner := etree.NewDocument()
		if err := inner.ReadFromString(req.Info); err != nil {
			return nil, fmt.Errorf("wire: parse info payload: %w", err)
		}
		for _, child := range inner.ChildElements() {
			infoEl.AddChild(child.Copy())
		}
	}
	infoBytes, err := serialize(infoEl)
	if err != nil {
		return nil, err
	}

	headerEl := buildHeader(h, hmacx.Digest(infoBytes))
	headerBytes, err := serialize(headerEl)
	if err != nil {
		return nil, err
	}

	root := etree.NewElement("request")
	if req.AuthSecret != "" {
		mac, err := hmacx.Sign(req.AuthSecret, headerBytes)
		if err != nil {
			return nil, err
		}
		authEl := root.CreateElement("auth")
		hmacData := authEl.CreateElement("hmac-data")
		hmacData.CreateAttr("algName", hmacx.AlgorithmHMACSHA256)
		hmacData.SetText(mac)
	}
	root.AddChild(headerEl)
	root.AddChild(infoEl)

	return serialize(root)
}

func buildHeader(h Header, infoHash string) *etree.Element {
	el := etree.NewElement("header")
	el.CreateElement("method").SetText(h.Method)
	el.CreateElement("method-version").SetText(h.MethodVersion)

	switch {
	case h.AuthSession != nil:
		as := el.CreateElement("auth-session")
		as.CreateElement("auth-token").SetText(h.AuthSession.AuthToken)
		if h.AuthSession.OfflinePersonID != "" {
			off := as.CreateElement("offline-person-info")
			off.CreateElement("offline-person-id").SetText(h.AuthSession.OfflinePersonID)
		}
	case h.AppID != "":
		el.CreateElement("app-id").SetText(h.AppID)
	}

	el.CreateElement("culture-code").SetText(h.CultureCode)
	el.CreateElement("msg-time").SetText(h.MsgTime.UTC().Format(time.RFC3339))
	el.CreateElement("msg-ttl").SetText(strconv.Itoa(h.TTLSeconds))
	el.CreateElement("version").SetText(h.Version)
	el.CreateElement("info-hash").SetText(infoHash)
	return el
}

// Response is a decoded platform reply. Code zero means success; a non-zero
// code carries the platform's error message. Info holds the serialized info
// section for the method layer to decode.
type Response struct {
	Code    int
	Message string
	Info    *etree.Element
}

// OK reports whether the platform accepted the call.
func (r *Response) OK() bool { return r.Code == 0 }

// Unmarshal decodes a platform response envelope.
func Unmarshal(data []byte) (*Response, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("wire: parse response: %w", err)
	}
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("wire: empty response")
	}

	codeEl := root.FindElement("./status/code")
	if codeEl == nil {
		return nil, ErrNoStatus
	}
	code, err := strconv.Atoi(codeEl.Text())
	if err != nil {
		return nil, fmt.Errorf("wire: status code %q: %w", codeEl.Text(), err)
	}

	resp := &Response{Code: code}
	if msg := root.FindElement("./status/error/message"); msg != nil {
		resp.Message = msg.Text()
	}
	for _, child := range root.ChildElements() {
		if child.Tag == "info" {
			resp.Info = child.Copy()
			break
		}
	}
	return resp, nil
}

// serialize renders a detached element to bytes. The element is copied so the
// caller can keep mutating its tree.
func serialize(el *etree.Element) ([]byte, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("wire: serialize %s: %w", el.Tag, err)
	}
	return out, nil
}
