package imapserver

import (
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Modified UTF-7, for mailbox names in IMAP4rev1.

const utf7chars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+,"

var utf7encoding = base64.NewEncoding(utf7chars).WithPadding(base64.NoPadding)

var (
	errUTF7SuperfluousShift = errors.New("utf7: superfluous unshift+shift")
	errUTF7Base64           = errors.New("utf7: bad base64")
	errUTF7OddSized         = errors.New("utf7: odd-sized data")
	errUTF7UnneededShift    = errors.New("utf7: unneeded shift")
	errUTF7UnfinishedShift  = errors.New("utf7: unfinished shift")
	errUTF7BadSurrogate     = errors.New("utf7: bad surrogate pair")
)

func utf7decode(s string) (string, error) {
	var r string
	var shifted bool
	var b string
	lastunshift := -2

	for i, c := range s {
		if !shifted {
			if c == '&' {
				if lastunshift == i-1 {
					return "", errUTF7SuperfluousShift
				}
				shifted = true
			} else {
				r += string(c)
			}
			continue
		}

		if c != '-' {
			b += string(c)
			continue
		}

		shifted = false
		lastunshift = i
		if b == "" {
			r += "&"
			continue
		}
		buf, err := utf7encoding.DecodeString(b)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %v", errUTF7Base64, b, err)
		}
		b = ""

		if len(buf)%2 != 0 {
			return "", errUTF7OddSized
		}

		x := make([]uint16, len(buf)/2)
		j := 0
		for i := 0; i < len(buf); i += 2 {
			x[j] = uint16(buf[i])<<8 | uint16(buf[i+1])
			j++
		}

		for i := 0; i < len(x); i++ {
			if utf16.IsSurrogate(rune(x[i])) {
				if i+1 >= len(x) || utf16.DecodeRune(rune(x[i]), rune(x[i+1])) == 0xfffd {
					return "", errUTF7BadSurrogate
				}
				i++
			}
		}

		need := false
		for _, c := range utf16.Decode(x) {
			if c < 0x20 || c > 0x7e || c == '&' {
				need = true
			}
			r += string(c)
		}
		if !need {
			return "", errUTF7UnneededShift
		}
	}
	if shifted {
		return "", errUTF7UnfinishedShift
	}
	return r, nil
}

// utf7encode encodes a mailbox name for transmission to IMAP4rev1 clients.
// Printable ASCII passes through, "&" becomes "&-", all else is shifted
// big-endian UTF-16 base64.
func utf7encode(s string) string {
	var r string
	var code []uint16

	flush := func() {
		if code == nil {
			return
		}
		buf := make([]byte, 2*len(code))
		for i, c := range code {
			buf[2*i] = byte(c >> 8)
			buf[2*i+1] = byte(c)
		}
		r += "&" + utf7encoding.EncodeToString(buf) + "-"
		code = nil
	}

	for _, c := range s {
		if c == '&' {
			flush()
			r += "&-"
		} else if c >= 0x20 && c <= 0x7e {
			flush()
			r += string(c)
		} else {
			code = append(code, utf16.Encode([]rune{c})...)
		}
	}
	flush()
	return r
}
