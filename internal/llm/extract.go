package llm

import "github.com/tidwall/gjson"

// Fragment paths within each provider's streaming payload.
const (
	pathERNIEResult   = "result"
	pathTongyiContent = "output.choices.0.message.content"
	pathSparkContent  = "payload.choices.text.0.content"
)

// textAt extracts the text fragment at path. A string value is returned
// as is. An array of content blocks yields its first "text" entry. Any
// other shape, including a missing path, yields "".
func textAt(data []byte, path string) string {
	res := gjson.GetBytes(data, path)
	switch {
	case res.Type == gjson.String:
		return res.Str
	case res.IsArray():
		var text string
		res.ForEach(func(_, block gjson.Result) bool {
			if t := block.Get("text"); t.Type == gjson.String {
				text = t.Str
				return false
			}
			return true
		})
		return text
	default:
		return ""
	}
}

// intAt returns the integer at path, or 0.
func intAt(data []byte, path string) int64 {
	return gjson.GetBytes(data, path).Int()
}

// stringAt returns the string form of the value at path, or "".
func stringAt(data []byte, path string) string {
	return gjson.GetBytes(data, path).String()
}

// boolAt returns the boolean at path, or false.
func boolAt(data []byte, path string) bool {
	return gjson.GetBytes(data, path).Bool()
}
