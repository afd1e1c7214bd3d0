package transcribe

// BlankAudio is the transcript whisper.cpp emits for silence. The silence
// gate returns it without running inference.
const BlankAudio = "[BLANK_AUDIO]"

const failurePrefix = "Error processing file: "

// Result is the outcome of one transcription. Exactly one of Text or Err is
// meaningful.
type Result struct {
	Text string
	Err  error
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// DocumentText is what goes into the document body: the transcript, or the
// failure rendered as "Error processing file: <message>".
func (r Result) DocumentText() string {
	if r.Err != nil {
		return failurePrefix + r.Err.Error()
	}
	return r.Text
}
