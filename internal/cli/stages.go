package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/bunkerconvert/internal/pipeline"
	"github.com/lucasnoah/bunkerconvert/internal/scheduler"
	"github.com/lucasnoah/bunkerconvert/internal/stage"
)

type paramView struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Required bool     `json:"required,omitempty"`
	Default  any      `json:"default,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Enum     []string `json:"enum,omitempty"`
}

type stageView struct {
	Name        string             `json:"name"`
	Identity    string             `json:"identity"`
	Description string             `json:"description,omitempty"`
	Devices     []scheduler.Device `json:"devices"`
	Params      []paramView        `json:"params"`
}

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the registered stages and their parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")

		reg, err := stage.DefaultRegistry()
		if err != nil {
			return err
		}
		views := stageViews(reg)
		if format == "json" {
			return writeJSON(cmd, views)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "STAGE\tDEVICES\tPARAMS\tDESCRIPTION")
		for _, v := range views {
			devices := make([]string, len(v.Devices))
			for i, d := range v.Devices {
				devices[i] = string(d)
			}
			params := make([]string, len(v.Params))
			for i, p := range v.Params {
				params[i] = describeParam(p)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Identity, strings.Join(devices, ","), strings.Join(params, " "), v.Description)
		}
		return tw.Flush()
	},
}

func stageViews(reg *pipeline.Registry) []stageView {
	defs := reg.Definitions()
	views := make([]stageView, 0, len(defs))
	for _, d := range defs {
		v := stageView{
			Name:        d.Name,
			Identity:    d.Identity(),
			Description: d.Description,
			Devices:     d.Devices,
			Params:      make([]paramView, 0, len(d.Params)),
		}
		for _, p := range d.Params {
			v.Params = append(v.Params, paramView{
				Name:     p.Name,
				Type:     string(p.Type),
				Required: p.Required,
				Default:  p.Default,
				Min:      p.Min,
				Max:      p.Max,
				Enum:     p.Enum,
			})
		}
		views = append(views, v)
	}
	return views
}

func describeParam(p paramView) string {
	s := p.Name + ":" + p.Type
	if p.Required {
		s += "!"
	}
	if p.Min != nil || p.Max != nil {
		lo, hi := "", ""
		if p.Min != nil {
			lo = strconv.FormatFloat(*p.Min, 'g', -1, 64)
		}
		if p.Max != nil {
			hi = strconv.FormatFloat(*p.Max, 'g', -1, 64)
		}
		s += "[" + lo + ".." + hi + "]"
	}
	if len(p.Enum) > 0 {
		s += "{" + strings.Join(p.Enum, "|") + "}"
	}
	return s
}

func init() {
	stagesCmd.Flags().String("format", "text", "Output format: text or json")
}
