package commands

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/fieldsync/internal/app"
	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/utils"
)

// FormCommand returns the CLI command for managing forms
func FormCommand() *cli.Command {
	return &cli.Command{
		Name:  "form",
		Usage: "Fill in and inspect forms attached to pins",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Start a form on a pin",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pin", Aliases: []string{"p"}, Usage: "Owning pin id", Required: true},
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Form title", Required: true},
					&cli.StringFlag{Name: "status", Usage: "Form workflow status", Value: "draft"},
					answerFlag(),
				},
				Action: formCreateAction,
			},
			{
				Name:      "update",
				Usage:     "Edit a form; answers are merged into the existing ones",
				ArgsUsage: "<form-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Form title"},
					&cli.StringFlag{Name: "status", Usage: "Form workflow status"},
					answerFlag(),
				},
				Action: formUpdateAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete a form",
				ArgsUsage: "<form-id>",
				Action: func(c *cli.Context) error {
					return deleteAction(c, entity.TypeForm)
				},
			},
			{
				Name:  "list",
				Usage: "List forms",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "pin", Aliases: []string{"p"}, Usage: "Only forms of this pin"},
					&cli.BoolFlag{Name: "all", Usage: "Include deleted forms"},
				},
				Action: func(c *cli.Context) error {
					return listAction(c, entity.TypeForm, c.String("pin"))
				},
			},
			{
				Name:      "show",
				Usage:     "Show a form and its sync state",
				ArgsUsage: "<form-id>",
				Action: func(c *cli.Context) error {
					return showAction(c, entity.TypeForm)
				},
			},
		},
	}
}

func answerFlag() cli.Flag {
	return &cli.StringSliceFlag{
		Name:    "answer",
		Aliases: []string{"a"},
		Usage:   "Answer as question=value (repeatable)",
	}
}

func formCreateAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	answers, err := parseAnswers(c.StringSlice("answer"))
	if err != nil {
		return err
	}

	form, err := application.Entities.CreateForm(c.Context, entity.FormFields{
		PinID:   c.String("pin"),
		Title:   c.String("title"),
		Status:  c.String("status"),
		Answers: answers,
	})
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to create form: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Form %s created and queued for sync", form.ID))
	return nil
}

func formUpdateAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	id, err := requireArg(c, 0, "form id")
	if err != nil {
		return err
	}
	answers, err := parseAnswers(c.StringSlice("answer"))
	if err != nil {
		return err
	}

	patch := entity.FormPatch{Answers: answers}
	if c.IsSet("title") {
		patch.Title = ptr(c.String("title"))
	}
	if c.IsSet("status") {
		patch.Status = ptr(c.String("status"))
	}

	form, err := application.Entities.UpdateForm(c.Context, id, patch)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to update form: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Form %s updated (%s)", form.ID, utils.Colorize(string(form.Status))))
	return nil
}

// parseAnswers turns question=value pairs into a map, nil when there are none
func parseAnswers(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	answers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid answer %q, expected question=value", pair)
		}
		answers[k] = strings.TrimSpace(v)
	}
	return answers, nil
}
