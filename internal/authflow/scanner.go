package authflow

import "regexp"

// Known device-login provider URLs the tunnel CLI may print.
var deviceURLPattern = regexp.MustCompile(
	`https://(?:github\.com/login/device|(?:www\.)?microsoft\.com/devicelogin|aka\.ms/devicelogin)[^\s"']*`)

// Short grouped codes like WDJB-MJHT or ABCD-1234-EFGH.
var deviceCodePattern = regexp.MustCompile(`\b[A-Z0-9]{4}(?:-[A-Z0-9]{4})+\b`)

// The URL or code can straddle two reads, so a bounded tail of previous
// output is retained and rescanned with each chunk.
const scannerTailSize = 512

type promptScanner struct {
	tail    []byte
	matched bool
}

func newPromptScanner() *promptScanner {
	return &promptScanner{}
}

// feed consumes the next output chunk and returns the prompt event exactly
// once, on the first chunk where a provider URL is visible.
func (s *promptScanner) feed(chunk []byte) (Event, bool) {
	if s.matched {
		return Event{}, false
	}

	buf := append(s.tail, chunk...)
	if loc := deviceURLPattern.FindIndex(buf); loc != nil {
		ev := Event{AuthURL: string(buf[loc[0]:loc[1]])}
		if code := deviceCodePattern.Find(buf); code != nil {
			ev.DeviceCode = string(code)
		}
		s.matched = true
		s.tail = nil
		return ev, true
	}

	if len(buf) > scannerTailSize {
		buf = buf[len(buf)-scannerTailSize:]
	}
	s.tail = append([]byte(nil), buf...)
	return Event{}, false
}
