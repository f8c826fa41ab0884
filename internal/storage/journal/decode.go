package journal

// ============================================================================
// Journal XML wire format: decode path
// Pull-based walk over xml.Decoder tokens. Whitespace between elements is
// insignificant; text inside leaf elements is kept verbatim.
// ============================================================================

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fcrepo3/fcrepo-sub017/pkg/types"
)

// readState tracks where an input file's decoder stands.
type readState int

const (
	stateExpectHeader readState = iota
	stateExpectEntryOrTrailer
	stateInEntry
	stateDone
)

func (s readState) String() string {
	switch s {
	case stateExpectHeader:
		return "ExpectHeader"
	case stateExpectEntryOrTrailer:
		return "ExpectEntryOrTrailer"
	case stateInEntry:
		return "InEntry"
	case stateDone:
		return "Done"
	}
	return "unknown"
}

// fileHeader holds the attributes of a journal document element.
type fileHeader struct {
	RepositoryHash string
	Timestamp      string
}

// entryDecoder reads entries from one journal document.
type entryDecoder struct {
	name    string // file name, for diagnostics
	dec     *xml.Decoder
	state   readState
	tempDir string // where file arguments are materialised
}

func newEntryDecoder(name string, r io.Reader, tempDir string) *entryDecoder {
	return &entryDecoder{
		name:    name,
		dec:     xml.NewDecoder(r),
		state:   stateExpectHeader,
		tempDir: tempDir,
	}
}

// readHeader consumes the prolog and the document start element.
func (d *entryDecoder) readHeader() (fileHeader, error) {
	if d.state != stateExpectHeader {
		return fileHeader{}, formatErrorf(d.name, nil, "header requested in state %s", d.state)
	}

	tok, err := d.next()
	if err != nil {
		return fileHeader{}, err
	}
	se, ok := tok.(xml.StartElement)
	if !ok || se.Name.Local != elemFile {
		return fileHeader{}, formatErrorf(d.name, nil, "expected <%s>, found %s", elemFile, describe(tok))
	}

	d.state = stateExpectEntryOrTrailer
	return fileHeader{
		RepositoryHash: attrValue(se, attrRepositoryHash),
		Timestamp:      attrValue(se, attrTimestamp),
	}, nil
}

// nextEntry returns the next entry, or ok == false once the trailer has been
// consumed. The returned identifier combines the file name and the entry
// timestamp.
func (d *entryDecoder) nextEntry() (entry *types.ConsumerEntry, ok bool, err error) {
	if d.state != stateExpectEntryOrTrailer {
		return nil, false, formatErrorf(d.name, nil, "entry requested in state %s", d.state)
	}

	tok, err := d.next()
	if err != nil {
		return nil, false, err
	}

	switch t := tok.(type) {
	case xml.StartElement:
		if t.Name.Local != elemEntry {
			break
		}
		id := fmt.Sprintf("%s[%s]", d.name, attrValue(t, attrTimestamp))
		d.state = stateInEntry
		e, err := d.decodeEntry(t)
		if err != nil {
			return nil, false, formatErrorf(d.name, err, "entry %s", id)
		}
		d.state = stateExpectEntryOrTrailer
		return &types.ConsumerEntry{Entry: *e, Identifier: id}, true, nil

	case xml.EndElement:
		if t.Name.Local != elemFile {
			break
		}
		d.state = stateDone
		return nil, false, nil
	}

	return nil, false, formatErrorf(d.name, nil, "expected <%s> or </%s>, found %s", elemEntry, elemFile, describe(tok))
}

func (d *entryDecoder) decodeEntry(se xml.StartElement) (*types.Entry, error) {
	e := &types.Entry{Method: attrValue(se, attrMethod)}
	if e.Method == "" {
		return nil, errors.New("missing method attribute")
	}
	ts, err := time.Parse(time.RFC3339Nano, attrValue(se, attrTimestamp))
	if err != nil {
		return nil, fmt.Errorf("bad timestamp: %w", err)
	}
	e.Timestamp = ts

	for {
		tok, err := d.next()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case elemContext:
				if e.Context, err = d.decodeContext(); err != nil {
					return nil, err
				}
			case elemArgument:
				a, err := d.decodeArgument(t)
				if err != nil {
					return nil, err
				}
				e.Arguments = append(e.Arguments, a)
			default:
				return nil, fmt.Errorf("unexpected element <%s>", t.Name.Local)
			}
		case xml.EndElement:
			return e, nil
		default:
			return nil, fmt.Errorf("unexpected %s", describe(tok))
		}
	}
}

func (d *entryDecoder) decodeContext() (map[string]string, error) {
	var ctx map[string]string
	for {
		tok, err := d.next()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != elemAttribute {
				return nil, fmt.Errorf("unexpected element <%s> in context", t.Name.Local)
			}
			v, err := d.text()
			if err != nil {
				return nil, err
			}
			if ctx == nil {
				ctx = map[string]string{}
			}
			ctx[attrValue(t, attrName)] = v
		case xml.EndElement:
			return ctx, nil
		default:
			return nil, fmt.Errorf("unexpected %s in context", describe(tok))
		}
	}
}

func (d *entryDecoder) decodeArgument(se xml.StartElement) (types.Argument, error) {
	a := types.Argument{
		Name: attrValue(se, attrName),
		Type: types.ArgType(attrValue(se, attrType)),
	}

	if a.Type == types.ArgStrings {
		var values []string
		for {
			tok, err := d.next()
			if err != nil {
				return a, err
			}
			switch t := tok.(type) {
			case xml.StartElement:
				v, err := d.text()
				if err != nil {
					return a, err
				}
				values = append(values, v)
			case xml.EndElement:
				a.Value = values
				return a, nil
			default:
				return a, fmt.Errorf("unexpected %s in argument %q", describe(t), a.Name)
			}
		}
	}

	text, err := d.text()
	if err != nil {
		return a, err
	}

	switch a.Type {
	case types.ArgString:
		a.Value = text
	case types.ArgInt:
		a.Value, err = strconv.ParseInt(text, 10, 64)
	case types.ArgBool:
		a.Value, err = strconv.ParseBool(text)
	case types.ArgDate:
		a.Value, err = time.Parse(time.RFC3339Nano, text)
	case types.ArgBytes:
		a.Value, err = base64.StdEncoding.DecodeString(text)
	case types.ArgFile:
		a.Value, err = d.materialise(text)
	case types.ArgNull:
		if strings.TrimSpace(text) != "" {
			err = errors.New("null argument has content")
		}
	default:
		err = fmt.Errorf("unknown type %q", a.Type)
	}
	if err != nil {
		return a, fmt.Errorf("argument %q: %w", a.Name, err)
	}
	return a, nil
}

// materialise decodes a base64 file argument into a new temporary file.
func (d *entryDecoder) materialise(encoded string) (types.File, error) {
	f, err := os.CreateTemp(d.tempDir, "journal-arg-*")
	if err != nil {
		return types.File{}, err
	}
	defer f.Close()

	src := base64.NewDecoder(base64.StdEncoding, strings.NewReader(encoded))
	if _, err := io.Copy(f, src); err != nil {
		os.Remove(f.Name())
		return types.File{}, err
	}
	return types.File{Path: f.Name()}, nil
}

// text collects character data up to the end of the current element.
func (d *entryDecoder) text() (string, error) {
	var buf bytes.Buffer
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return "", d.wrapEOF(err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.Comment, xml.ProcInst:
		case xml.EndElement:
			return buf.String(), nil
		default:
			return "", fmt.Errorf("unexpected %s inside text element", describe(tok))
		}
	}
}

// next returns the next token that is not insignificant whitespace, a comment,
// a processing instruction or a directive.
func (d *entryDecoder) next() (xml.Token, error) {
	for {
		tok, err := d.dec.Token()
		if err != nil {
			return nil, d.wrapEOF(err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			return t, nil
		case xml.Comment, xml.ProcInst, xml.Directive:
			continue
		default:
			return tok, nil
		}
	}
}

func (d *entryDecoder) wrapEOF(err error) error {
	var syntax *xml.SyntaxError
	if errors.Is(err, io.EOF) || (errors.As(err, &syntax) && syntax.Msg == "unexpected EOF") {
		return formatErrorf(d.name, io.ErrUnexpectedEOF, "unexpected end of file in state %s", d.state)
	}
	return formatErrorf(d.name, err, "xml syntax")
}

func attrValue(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func describe(tok xml.Token) string {
	switch t := tok.(type) {
	case xml.StartElement:
		return "<" + t.Name.Local + ">"
	case xml.EndElement:
		return "</" + t.Name.Local + ">"
	case xml.CharData:
		return fmt.Sprintf("text %q", string(t))
	}
	return fmt.Sprintf("%T", tok)
}
