package hitl

import (
	"fmt"
	"strconv"
	"strings"
)

// Answer 是自由文本答案的分类。
type Answer int

const (
	AnswerLiteral Answer = iota
	AnswerAffirmative
	AnswerNegative
)

func (a Answer) String() string {
	switch a {
	case AnswerAffirmative:
		return "affirmative"
	case AnswerNegative:
		return "negative"
	default:
		return "literal"
	}
}

var affirmativeAnswers = map[string]struct{}{
	"yes": {}, "y": {}, "ok": {}, "okay": {}, "sure": {},
	"proceed": {}, "go ahead": {}, "add": {}, "add to cart": {}, "confirm": {},
}

var negativeAnswers = map[string]struct{}{
	"no": {}, "n": {}, "cancel": {}, "stop": {},
	"dont": {}, "don't": {}, "never mind": {},
}

// ClassifyAnswer 忽略大小写与首尾空白后做精确短语匹配，集合外的一律按字面值处理。
func ClassifyAnswer(raw string) Answer {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if _, ok := affirmativeAnswers[normalized]; ok {
		return AnswerAffirmative
	}
	if _, ok := negativeAnswers[normalized]; ok {
		return AnswerNegative
	}
	return AnswerLiteral
}

// FreeTextInstruction 把自由文本答案翻译成代理指令。
func FreeTextInstruction(raw string) string {
	switch ClassifyAnswer(raw) {
	case AnswerAffirmative:
		return fmt.Sprintf("USER CONFIRMED: '%s'. Proceed with the action. Do NOT ask again.", raw)
	case AnswerNegative:
		return fmt.Sprintf("USER DECLINED: '%s'. Do NOT proceed. Inform user you cancelled.", raw)
	default:
		return fmt.Sprintf("USER PROVIDED: '%s'. Use this value. Do NOT ask again.", raw)
	}
}

// ParseChoice 把答案解析为 [0, n) 内的下标。
func ParseChoice(answer string, n int) (int, bool) {
	idx, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil || idx < 0 || idx >= n {
		return 0, false
	}
	return idx, true
}

// RawFallback 是下标无效时原样回传的指令。
func RawFallback(raw string) string {
	return "User response: " + raw
}

const newAddressInstruction = "USER WANTS NEW ADDRESS. Click '+ Add a new address', then ask for: Full Name, Phone, Pincode, Address, City, State."

// IsNewAddress 判断选项是否代表“新增地址”。
func (a AddressOption) IsNewAddress() bool {
	return a.AddressType == "NEW" || strings.Contains(a.Name, "Add New Address")
}

// addressInstruction 生成选中地址后的指令。批处理条目用较短的版本。
func addressInstruction(idx int, a AddressOption, batchItem bool) string {
	if a.IsNewAddress() {
		return newAddressInstruction
	}
	if batchItem {
		return fmt.Sprintf("USER SELECTED ADDRESS #%d: %s, %s. Click 'DELIVER HERE' for this address.", idx+1, a.Name, a.Address)
	}
	return fmt.Sprintf("USER SELECTED ADDRESS #%d: %s, %s. ACTION REQUIRED: Check if this address already has 'Deliver Here' button visible. "+
		"If YES → click 'Deliver Here' directly. If NO → first click the RADIO BUTTON next to this address, wait 2 seconds for 'Deliver Here' to appear, then click it.",
		idx+1, a.Name, a.Address)
}

func paymentInstruction(p PaymentOption) string {
	return fmt.Sprintf("USER SELECTED PAYMENT: %s. Click this payment option on the page.", p.Method)
}

func optionInstruction(o OptionItem) string {
	value := o.Value
	if value == "" {
		value = o.Label
	}
	return fmt.Sprintf("USER SELECTED: %s (value: %s). Proceed with this selection.", o.Label, value)
}
