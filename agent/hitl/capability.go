package hitl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// 能力名称
const (
	CapabilityAskUser        = "ask_user"
	CapabilityProductChoices = "show_product_choices"
	CapabilityAddressChoices = "show_address_choices"
	CapabilityPaymentChoices = "show_payment_choices"
	CapabilityOptions        = "show_options"
	defaultProductMessage    = "Please select a product:"
	defaultAddressMessage    = "Please select a delivery address:"
	defaultPaymentMessage    = "Please select a payment method:"
	defaultOptionType        = "general"
)

// ActionResult 是能力调用返回给代理运行时的结果。
// IsDone 为 true 时运行时应以 ExtractedContent 作为最终结果结束运行。
type ActionResult struct {
	ExtractedContent string `json:"extracted_content"`
	IsDone           bool   `json:"is_done,omitempty"`
	Success          bool   `json:"success,omitempty"`
}

// Capability 是代理可按名称调用的操作。
type Capability interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Invoke(ctx context.Context, args json.RawMessage) (ActionResult, error)
}

// AskUserArgs ask_user 的参数。
type AskUserArgs struct {
	Question string `json:"question"`
}

// ProductOption 是一个候选商品。
type ProductOption struct {
	ProductName string `json:"product_name"`
	Price       string `json:"price"`
	Rating      string `json:"rating"`
	ProductURL  string `json:"product_url"`
}

// ProductChoicesArgs show_product_choices 的参数。
type ProductChoicesArgs struct {
	Products []ProductOption `json:"products"`
	Message  string          `json:"message,omitempty"`
}

// AddressOption 是一个收货地址，AddressType 例如 HOME、WORK、NEW。
type AddressOption struct {
	Name        string `json:"name"`
	Phone       string `json:"phone"`
	Address     string `json:"address"`
	AddressType string `json:"address_type"`
}

// AddressChoicesArgs show_address_choices 的参数。
type AddressChoicesArgs struct {
	Addresses []AddressOption `json:"addresses"`
	Message   string          `json:"message,omitempty"`
}

// PaymentOption 是一种支付方式，例如 COD、UPI、Card。
type PaymentOption struct {
	Method      string `json:"method"`
	Description string `json:"description"`
}

// PaymentChoicesArgs show_payment_choices 的参数。
type PaymentChoicesArgs struct {
	Payments []PaymentOption `json:"payments"`
	Message  string          `json:"message,omitempty"`
}

// OptionItem 是通用选项。
type OptionItem struct {
	Label       string `json:"label"`
	Description string `json:"description"`
	Value       string `json:"value"`
}

// OptionsArgs show_options 的参数。OptionType 取值 general、warning、info、action。
type OptionsArgs struct {
	Options    []OptionItem `json:"options"`
	Message    string       `json:"message"`
	OptionType string       `json:"option_type,omitempty"`
}

var capabilitySchemas = map[string]string{
	CapabilityAskUser: `{
  "type": "object",
  "properties": {"question": {"type": "string"}},
  "required": ["question"]
}`,
	CapabilityProductChoices: `{
  "type": "object",
  "properties": {
    "products": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "product_name": {"type": "string"},
          "price": {"type": "string"},
          "rating": {"type": "string"},
          "product_url": {"type": "string"}
        },
        "required": ["product_name", "price", "rating", "product_url"]
      }
    },
    "message": {"type": "string"}
  },
  "required": ["products"]
}`,
	CapabilityAddressChoices: `{
  "type": "object",
  "properties": {
    "addresses": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "phone": {"type": "string"},
          "address": {"type": "string"},
          "address_type": {"type": "string"}
        },
        "required": ["name", "address"]
      }
    },
    "message": {"type": "string"}
  },
  "required": ["addresses"]
}`,
	CapabilityPaymentChoices: `{
  "type": "object",
  "properties": {
    "payments": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "method": {"type": "string"},
          "description": {"type": "string"}
        },
        "required": ["method"]
      }
    },
    "message": {"type": "string"}
  },
  "required": ["payments"]
}`,
	CapabilityOptions: `{
  "type": "object",
  "properties": {
    "options": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "label": {"type": "string"},
          "description": {"type": "string"},
          "value": {"type": "string"}
        },
        "required": ["label"]
      }
    },
    "message": {"type": "string"},
    "option_type": {"type": "string"}
  },
  "required": ["options", "message"]
}`,
}

var compiledSchemas = mustCompileSchemas(capabilitySchemas)

func mustCompileSchemas(raw map[string]string) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(raw))
	for name, doc := range raw {
		parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(doc)))
		if err != nil {
			panic(fmt.Sprintf("hitl: parse schema %s: %v", name, err))
		}
		c := jsonschema.NewCompiler()
		url := name + ".json"
		if err := c.AddResource(url, parsed); err != nil {
			panic(fmt.Sprintf("hitl: add schema %s: %v", name, err))
		}
		sch, err := c.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("hitl: compile schema %s: %v", name, err))
		}
		out[name] = sch
	}
	return out
}

// ValidateArgs 校验能力参数是否符合其 JSON Schema。
func ValidateArgs(name string, args json.RawMessage) error {
	sch, ok := compiledSchemas[name]
	if !ok {
		return fmt.Errorf("unknown capability %q", name)
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("%s: decode args: %w", name, err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("%s: invalid args: %w", name, err)
	}
	return nil
}

// capability 把名称、描述、schema 与调用函数绑定在一起。
type capability struct {
	name        string
	description string
	invoke      func(ctx context.Context, args json.RawMessage) (ActionResult, error)
}

func (c *capability) Name() string        { return c.name }
func (c *capability) Description() string { return c.description }

func (c *capability) Schema() json.RawMessage {
	return json.RawMessage(capabilitySchemas[c.name])
}

func (c *capability) Invoke(ctx context.Context, args json.RawMessage) (ActionResult, error) {
	if err := ValidateArgs(c.name, args); err != nil {
		return ActionResult{}, err
	}
	return c.invoke(ctx, args)
}

func decodeArgs[T any](name string, args json.RawMessage) (T, error) {
	var v T
	if len(bytes.TrimSpace(args)) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, fmt.Errorf("%s: decode args: %w", name, err)
	}
	return v, nil
}
