package message

import (
	"strings"
)

// ThreadSubject returns the base subject for grouping messages into threads
// and for subject-based sorting: lower-cased, with whitespace collapsed and
// reply/forward markers and "[...]" list tags stripped. isResponse reports
// whether such a marker was present.
//
// Subject should already be q/b-word-decoded.
//
// If allowNull is true, base subjects with a \0 can be returned. If not set,
// an empty string is returned if a base subject would have a \0.
func ThreadSubject(subject string, allowNull bool) (threadSubject string, isResponse bool) {
	subject = strings.ToLower(subject)

	var s string
	for _, c := range subject {
		if c == '\r' {
			continue
		} else if c == ' ' || c == '\n' || c == '\t' {
			if !strings.HasSuffix(s, " ") {
				s += " "
			}
		} else {
			s += string(c)
		}
	}

	// Remove a mailing list tag "[...]".
	removeBlob := func(s string) string {
		for i, c := range s {
			if i == 0 {
				if c != '[' {
					return s
				}
			} else if c == '[' {
				return s
			} else if c == ']' {
				s = s[i+1:]
				s = strings.TrimRight(s, " \t")
				return s
			}
		}
		return s
	}
	// Remove a reply/forward "re"/"fwd" prefix with optional blob.
	removeLeader := func(s string) string {
		if strings.HasPrefix(s, " ") || strings.HasPrefix(s, "\t") {
			s = s[1:]
		}

		orig := s

		for {
			prevs := s
			s = removeBlob(s)
			if prevs == s {
				break
			}
		}

		if strings.HasPrefix(s, "re") {
			s = s[2:]
		} else if strings.HasPrefix(s, "fwd") {
			s = s[3:]
		} else if strings.HasPrefix(s, "fw") {
			s = s[2:]
		} else {
			return orig
		}
		s = strings.TrimLeft(s, " \t")
		s = removeBlob(s)
		if !strings.HasPrefix(s, ":") {
			return orig
		}
		s = s[1:]
		isResponse = true
		return s
	}

	for {
		// Remove trailing "(fwd)" and whitespace.
		for {
			prevs := s
			s = strings.TrimRight(s, " \t")
			if strings.HasSuffix(s, "(fwd)") {
				s = strings.TrimSuffix(s, "(fwd)")
				isResponse = true
			}
			if s == prevs {
				break
			}
		}

		for {
			prevs := s
			s = removeLeader(s)
			if ns := removeBlob(s); ns != "" {
				s = ns
			}
			if s == prevs {
				break
			}
		}

		if strings.HasPrefix(s, "[fwd:") && strings.HasSuffix(s, "]") {
			s = s[len("[fwd:") : len(s)-1]
			isResponse = true
			continue
		}
		break
	}
	if !allowNull && strings.ContainsRune(s, 0) {
		s = ""
	}
	return s, isResponse
}
