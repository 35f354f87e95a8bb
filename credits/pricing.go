package credits

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"archrender/imagegen"
	"archrender/imaging"
)

// Tool names a studio feature.
type Tool string

const (
	ToolRender     Tool = "render"
	ToolInpaint    Tool = "inpaint"
	ToolViewSync   Tool = "view-sync"
	ToolRenovation Tool = "renovation"
	ToolPoster     Tool = "poster"
	ToolUpscale    Tool = "upscale"
)

// Tools lists the priced generation tools.
var Tools = []Tool{ToolRender, ToolInpaint, ToolViewSync, ToolRenovation, ToolPoster}

// TierPrice is the per image cost of a tool at each tier.
type TierPrice struct {
	Standard int `yaml:"standard"`
	Pro      int `yaml:"pro"`
}

// Pricing is the cost table for every tool.
type Pricing struct {
	Tools   map[Tool]TierPrice                  `yaml:"tools"`
	Upscale map[imagegen.UpscaleResolution]int `yaml:"upscale"`
}

// DefaultPricing returns the built in cost table.
func DefaultPricing() Pricing {
	return Pricing{
		Tools: map[Tool]TierPrice{
			ToolRender:     {Standard: 1, Pro: 2},
			ToolInpaint:    {Standard: 1, Pro: 2},
			ToolViewSync:   {Standard: 1, Pro: 2},
			ToolRenovation: {Standard: 1, Pro: 2},
			ToolPoster:     {Standard: 2, Pro: 3},
		},
		Upscale: map[imagegen.UpscaleResolution]int{
			imagegen.Resolution2K: 2,
			imagegen.Resolution4K: 4,
		},
	}
}

// LoadPricing reads a YAML cost table and merges it over the defaults. An
// empty path returns the defaults.
//
// Example file:
//
//	tools:
//	  render: {standard: 1, pro: 3}
//	upscale:
//	  4K: 5
func LoadPricing(path string) (Pricing, error) {
	p := DefaultPricing()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("credits: read pricing %s: %w", path, err)
	}

	var override Pricing
	if err := yaml.Unmarshal(data, &override); err != nil {
		return p, fmt.Errorf("credits: parse pricing %s: %w", path, err)
	}
	for tool, price := range override.Tools {
		p.Tools[tool] = price
	}
	for res, cost := range override.Upscale {
		p.Upscale[res] = cost
	}
	if err := p.Validate(); err != nil {
		return DefaultPricing(), err
	}
	return p, nil
}

// Validate rejects negative prices and unknown upscale tiers.
func (p Pricing) Validate() error {
	for tool, price := range p.Tools {
		if price.Standard < 0 || price.Pro < 0 {
			return fmt.Errorf("credits: negative price for %s", tool)
		}
	}
	for res, cost := range p.Upscale {
		if _, err := imagegen.ParseUpscaleResolution(string(res)); err != nil {
			return fmt.Errorf("credits: pricing: %w", err)
		}
		if cost < 0 {
			return fmt.Errorf("credits: negative price for upscale %s", res)
		}
	}
	return nil
}

// Cost returns the price of count images of a tool at a tier.
func (p Pricing) Cost(tool Tool, tier imaging.Tier, count int) (int, error) {
	price, ok := p.Tools[tool]
	if !ok {
		return 0, fmt.Errorf("credits: no price for tool %q", tool)
	}
	if count < 1 {
		count = 1
	}
	per := price.Standard
	if tier == imaging.TierPro {
		per = price.Pro
	}
	return per * count, nil
}

// UpscaleCost returns the price of one upscale.
func (p Pricing) UpscaleCost(res imagegen.UpscaleResolution) (int, error) {
	cost, ok := p.Upscale[res]
	if !ok {
		return 0, fmt.Errorf("credits: no price for upscale %q", res)
	}
	return cost, nil
}
