package imapserver

import (
	"errors"
	"testing"
)

func TestUTF7(t *testing.T) {
	decode := func(input, expOutput string, expErr error) {
		t.Helper()
		r, err := utf7decode(input)
		if r != expOutput {
			t.Fatalf("decoding %q: got %q, expected %q", input, r, expOutput)
		}
		if (err == nil) != (expErr == nil) || err != nil && !errors.Is(err, expErr) {
			t.Fatalf("decoding %q: got error %v, expected %v", input, err, expErr)
		}
		if expErr == nil {
			enc := utf7encode(expOutput)
			if enc != input {
				t.Fatalf("encoding %q: got %q, expected %q", expOutput, enc, input)
			}
		}
	}

	decode("Archive", "Archive", nil)
	decode("&-", "&", nil)
	decode("Fish &- Chips", "Fish & Chips", nil)
	decode("&Jjo-", "☺", nil)
	decode("mail&Jjo-box", "mail☺box", nil)
	decode("&Jjo-start", "☺start", nil)
	decode("end&Jjo-", "end☺", nil)
	decode("&U,BTFw-", "台北", nil)
	decode("&2AHcNw-", "𐐷", nil) // Surrogate pair.

	decode("&Jjo", "", errUTF7UnfinishedShift)
	decode("&Jjo-&-", "", errUTF7SuperfluousShift)
	decode("&AGE-", "", errUTF7UnneededShift) // Plain "a" must not be shifted.
	decode("&YQ-", "", errUTF7OddSized)
	decode("&☺-", "", errUTF7Base64)
	decode(`&2AE-`, "", errUTF7BadSurrogate) // Lone high surrogate.
	decode(`&3Dc-`, "", errUTF7BadSurrogate) // Lone low surrogate.
}
