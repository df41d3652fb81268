package iso7816

// Transaction is one C-APDU and the R-APDU it produced.
type Transaction struct {
	Command  *CommandAPDU
	Response *ResponseAPDU
}

// IsSuccess is false while the response is missing.
func (t *Transaction) IsSuccess() bool {
	return t.Response != nil && t.Response.Status.IsSuccess()
}

// Trace holds every transaction of one logical command: the command itself,
// the GET RESPONSE rounds after 61XX and the re-issued command after 6CXX.
type Trace []Transaction

// Last returns nil for an empty trace.
func (t Trace) Last() *Transaction {
	if len(t) == 0 {
		return nil
	}
	return &t[len(t)-1]
}

// IsSuccess reports the outcome of the final transaction.
func (t Trace) IsSuccess() bool {
	last := t.Last()
	return last != nil && last.IsSuccess()
}

// Status returns the final status word, or 0 without a response.
func (t Trace) Status() StatusWord {
	if last := t.Last(); last != nil && last.Response != nil {
		return last.Response.Status
	}
	return 0
}

// Data joins the response data of all rounds. A response answered with
// 6CXX is skipped since its command was re-issued.
func (t Trace) Data() []byte {
	var out []byte
	for _, tx := range t {
		if tx.Response == nil || tx.Response.Status.SW1() == 0x6C {
			continue
		}
		out = append(out, tx.Response.Data...)
	}
	return out
}

// Bytes returns Data followed by the final status word, the form in which
// the access controller inspects a SELECT answer.
func (t Trace) Bytes() []byte {
	sw := t.Status()
	return append(t.Data(), sw.SW1(), sw.SW2())
}
