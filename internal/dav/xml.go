package dav

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/beevik/etree"
)

// XML namespaces of the protocols served here.
const (
	nsDAV     = "DAV:"
	nsCalDAV  = "urn:ietf:params:xml:ns:caldav"
	nsCardDAV = "urn:ietf:params:xml:ns:carddav"
	nsCS      = "http://calendarserver.org/ns/"
)

// Prefixes declared on every multistatus root.
var nsPrefixes = []struct{ prefix, space string }{
	{"d", nsDAV},
	{"cal", nsCalDAV},
	{"card", nsCardDAV},
	{"cs", nsCS},
}

// maxDAVBodyBytes is the maximum body size for DAV requests.
const maxDAVBodyBytes int64 = 10 * 1024 * 1024

var (
	errRequestTooLarge = errors.New("request body too large")
	errBadRequest      = errors.New("bad request")
)

// xmlName is a namespaced element name.
type xmlName struct {
	Space string
	Local string
}

func (n xmlName) String() string {
	return "{" + n.Space + "}" + n.Local
}

func nameOf(el *etree.Element) xmlName {
	return xmlName{Space: el.NamespaceURI(), Local: el.Tag}
}

func prefixFor(space string) string {
	for _, ns := range nsPrefixes {
		if ns.space == space {
			return ns.prefix
		}
	}
	return ""
}

// newElement creates an element for name. Unknown namespaces are declared
// as the element's default namespace.
func newElement(name xmlName) *etree.Element {
	if prefix := prefixFor(name.Space); prefix != "" {
		return etree.NewElement(prefix + ":" + name.Local)
	}
	el := etree.NewElement(name.Local)
	if name.Space != "" {
		el.CreateAttr("xmlns", name.Space)
	}
	return el
}

func textElement(name xmlName, text string) *etree.Element {
	el := newElement(name)
	el.SetText(text)
	return el
}

func hrefElement(name xmlName, hrefs ...string) *etree.Element {
	el := newElement(name)
	for _, href := range hrefs {
		el.CreateElement("d:href").SetText(href)
	}
	return el
}

func statusLine(code int) string {
	return fmt.Sprintf("HTTP/1.1 %d %s", code, http.StatusText(code))
}

type propstat struct {
	props  []*etree.Element
	status int
}

type response struct {
	href      string
	status    int
	propstats []propstat
}

type multistatus struct {
	responses []response
	syncToken string
}

func (ms *multistatus) add(resp response) {
	ms.responses = append(ms.responses, resp)
}

func (ms *multistatus) document() *etree.Document {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="utf-8"`)
	root := doc.CreateElement("d:multistatus")
	for _, ns := range nsPrefixes {
		root.CreateAttr("xmlns:"+ns.prefix, ns.space)
	}
	for _, resp := range ms.responses {
		r := root.CreateElement("d:response")
		r.CreateElement("d:href").SetText(resp.href)
		if resp.status != 0 {
			r.CreateElement("d:status").SetText(statusLine(resp.status))
		}
		for _, ps := range resp.propstats {
			p := r.CreateElement("d:propstat")
			prop := p.CreateElement("d:prop")
			for _, el := range ps.props {
				prop.AddChild(el)
			}
			p.CreateElement("d:status").SetText(statusLine(ps.status))
		}
	}
	if ms.syncToken != "" {
		root.CreateElement("d:sync-token").SetText(ms.syncToken)
	}
	return doc
}

func writeMultiStatus(w http.ResponseWriter, ms *multistatus) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = ms.document().WriteTo(w)
}

// groupPropstats sorts resolved properties into one propstat per status.
func groupPropstats(found map[int][]*etree.Element) []propstat {
	codes := make([]int, 0, len(found))
	for code := range found {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	out := make([]propstat, 0, len(codes))
	for _, code := range codes {
		out = append(out, propstat{props: found[code], status: code})
	}
	return out
}

// readDAVBody reads at most maxDAVBodyBytes of the request body.
func readDAVBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.ContentLength > maxDAVBodyBytes {
		return nil, errRequestTooLarge
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxDAVBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errRequestTooLarge
		}
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return body, nil
}

// readXML parses the request body. An empty body yields a nil document.
func readXML(w http.ResponseWriter, r *http.Request) (*etree.Document, error) {
	body, err := readDAVBody(w, r)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, nil
	}
	doc := etree.NewDocument()
	doc.ReadSettings.Entity = xml.HTMLEntity
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, fmt.Errorf("%w: malformed XML: %v", errBadRequest, err)
	}
	if doc.Root() == nil {
		return nil, fmt.Errorf("%w: no root element", errBadRequest)
	}
	return doc, nil
}

// child returns the first child element with the given name.
func child(el *etree.Element, name xmlName) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if nameOf(c) == name {
			return c
		}
	}
	return nil
}

func children(el *etree.Element, name xmlName) []*etree.Element {
	if el == nil {
		return nil
	}
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if nameOf(c) == name {
			out = append(out, c)
		}
	}
	return out
}

// propNames lists the property names requested inside a DAV:prop element.
func propNames(prop *etree.Element) []xmlName {
	if prop == nil {
		return nil
	}
	var out []xmlName
	for _, c := range prop.ChildElements() {
		out = append(out, nameOf(c))
	}
	return out
}

// innerXML serializes the children of a property element, used to keep
// structured dead property values.
func innerXML(el *etree.Element) string {
	if len(el.ChildElements()) == 0 {
		return el.Text()
	}
	doc := etree.NewDocument()
	for _, c := range el.ChildElements() {
		cp := c.Copy()
		if space := c.NamespaceURI(); space != "" {
			cp.Space = ""
			cp.CreateAttr("xmlns", space)
		}
		doc.AddChild(cp)
	}
	s, err := doc.WriteToString()
	if err != nil {
		return el.Text()
	}
	return s
}

// deadPropElement renders a stored dead property value.
func deadPropElement(name xmlName, value string) *etree.Element {
	el := newElement(name)
	if strings.HasPrefix(strings.TrimSpace(value), "<") {
		frag := etree.NewDocument()
		if err := frag.ReadFromString(value); err == nil && len(frag.ChildElements()) > 0 {
			for _, c := range frag.ChildElements() {
				el.AddChild(c.Copy())
			}
			return el
		}
	}
	el.SetText(value)
	return el
}
