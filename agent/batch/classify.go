package batch

import "strings"

// failurePhrases 出现在最终结果中即视为下单失败
var failurePhrases = []string{
	"out of stock",
	"sold out",
	"unavailable",
	"not available",
	"cannot be completed",
	"could not be placed",
	"cannot be placed",
	"order failed",
	"unable to order",
	"product unavailable",
	"currently unavailable",
	"no longer available",
}

// Classify 对结果文本做大小写不敏感的子串匹配，命中失败短语时返回 true
func Classify(result string) (failed bool) {
	text := strings.ToLower(result)
	for _, phrase := range failurePhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}
