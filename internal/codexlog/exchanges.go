package codexlog

import (
	"bufio"
	"os"
)

// Exchange is one user prompt paired with the assistant reply that followed
// it. Reply is empty when the prompt is still unanswered.
type Exchange struct {
	Prompt string
	Reply  string
}

// LatestExchanges walks the whole log and returns the last n prompt/reply
// pairs in chronological order. Used by `crew pend` to inspect a worker
// without injecting anything.
func LatestExchanges(path string, n int) ([]Exchange, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var exchanges []Exchange
	open := false // an exchange with a prompt but no reply yet
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		ev, ok, err := ParseLine(scanner.Bytes())
		if err != nil || !ok {
			continue
		}
		switch ev.Kind {
		case KindUserMessage:
			exchanges = append(exchanges, Exchange{Prompt: ev.Text})
			open = true
		case KindAgentMessage:
			if open {
				exchanges[len(exchanges)-1].Reply = ev.Text
				open = false
			} else if len(exchanges) > 0 {
				// Consecutive assistant messages: keep the latest.
				exchanges[len(exchanges)-1].Reply = ev.Text
			} else {
				exchanges = append(exchanges, Exchange{Reply: ev.Text})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if n > 0 && len(exchanges) > n {
		exchanges = exchanges[len(exchanges)-n:]
	}
	return exchanges, nil
}
