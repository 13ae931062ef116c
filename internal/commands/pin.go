package commands

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/fieldsync/internal/app"
	"github.com/tildaslashalef/fieldsync/internal/entity"
	"github.com/tildaslashalef/fieldsync/internal/utils"
)

// PinCommand returns the CLI command for managing pins
func PinCommand() *cli.Command {
	return &cli.Command{
		Name:  "pin",
		Usage: "Create, edit and inspect map pins",
		Description: "Every change is saved locally first and queued for the server. " +
			"Run 'fieldsync sync now' or keep 'fieldsync sync run' going to deliver it.",
		Subcommands: []*cli.Command{
			{
				Name:  "create",
				Usage: "Drop a new pin",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Pin title", Required: true},
					&cli.Float64Flag{Name: "lat", Usage: "Latitude in degrees", Required: true},
					&cli.Float64Flag{Name: "lng", Usage: "Longitude in degrees", Required: true},
				}, pinDetailFlags()...),
				Action: pinCreateAction,
			},
			{
				Name:      "update",
				Usage:     "Edit a pin",
				ArgsUsage: "<pin-id>",
				Flags: append([]cli.Flag{
					&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Pin title"},
					&cli.Float64Flag{Name: "lat", Usage: "Latitude in degrees"},
					&cli.Float64Flag{Name: "lng", Usage: "Longitude in degrees"},
				}, pinDetailFlags()...),
				Action: pinUpdateAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete a pin",
				ArgsUsage: "<pin-id>",
				Action: func(c *cli.Context) error {
					return deleteAction(c, entity.TypePin)
				},
			},
			{
				Name:  "list",
				Usage: "List pins",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "Include deleted pins"},
				},
				Action: func(c *cli.Context) error {
					return listAction(c, entity.TypePin, "")
				},
			},
			{
				Name:      "show",
				Usage:     "Show a pin and its sync state",
				ArgsUsage: "<pin-id>",
				Action: func(c *cli.Context) error {
					return showAction(c, entity.TypePin)
				},
			},
			{
				Name:      "attach",
				Usage:     "Attach a device-local image to a pin",
				ArgsUsage: "<pin-id> <image-uri>",
				Action:    pinAttachAction,
			},
		},
	}
}

func pinDetailFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "description", Aliases: []string{"d"}, Usage: "Free text description"},
		&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Category label"},
		&cli.StringSliceFlag{Name: "image-url", Usage: "Remote image URL (repeatable)"},
	}
}

func pinCreateAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	pin, err := application.Entities.CreatePin(c.Context, entity.PinFields{
		Title:       c.String("title"),
		Description: c.String("description"),
		Latitude:    c.Float64("lat"),
		Longitude:   c.Float64("lng"),
		Category:    c.String("category"),
		ImageURLs:   c.StringSlice("image-url"),
	})
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to create pin: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Pin %s created and queued for sync", pin.ID))
	return nil
}

func pinUpdateAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	id, err := requireArg(c, 0, "pin id")
	if err != nil {
		return err
	}

	var patch entity.PinPatch
	if c.IsSet("title") {
		patch.Title = ptr(c.String("title"))
	}
	if c.IsSet("description") {
		patch.Description = ptr(c.String("description"))
	}
	if c.IsSet("lat") {
		patch.Latitude = ptr(c.Float64("lat"))
	}
	if c.IsSet("lng") {
		patch.Longitude = ptr(c.Float64("lng"))
	}
	if c.IsSet("category") {
		patch.Category = ptr(c.String("category"))
	}
	if c.IsSet("image-url") {
		patch.ImageURLs = ptr(c.StringSlice("image-url"))
	}

	pin, err := application.Entities.UpdatePin(c.Context, id, patch)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to update pin: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Pin %s updated (%s)", pin.ID, utils.Colorize(string(pin.Status))))
	return nil
}

func pinAttachAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	id, err := requireArg(c, 0, "pin id")
	if err != nil {
		return err
	}
	uri, err := requireArg(c, 1, "image uri")
	if err != nil {
		return err
	}

	pin, err := application.Entities.AttachLocalImage(c.Context, id, uri)
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to attach image: %s", err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("Pin %s has %d local image(s)", pin.ID, len(pin.LocalImages)))
	return nil
}

func deleteAction(c *cli.Context, t entity.Type) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	id, err := requireArg(c, 0, string(t)+" id")
	if err != nil {
		return err
	}

	if t == entity.TypePin {
		err = application.Entities.DeletePin(c.Context, id)
	} else {
		err = application.Entities.DeleteForm(c.Context, id)
	}
	if err != nil {
		utils.PrintError(fmt.Sprintf("Failed to delete %s: %s", t, err))
		return err
	}

	utils.PrintSuccess(fmt.Sprintf("%s %s deleted", strings.ToUpper(string(t[:1]))+string(t[1:]), id))
	return nil
}

// listAction prints the entities of one type. pinID narrows forms to one pin.
func listAction(c *cli.Context, t entity.Type, pinID string) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	entities, err := application.Entities.List(c.Context, t, c.Bool("all"))
	if err != nil {
		return fmt.Errorf("failed to list %ss: %w", t, err)
	}
	if len(entities) == 0 {
		utils.PrintInfo(fmt.Sprintf("No %ss yet", t))
		return nil
	}

	var headers []string
	rows := make([][]string, 0, len(entities))
	switch t {
	case entity.TypePin:
		headers = []string{"ID", "Title", "Location", "Status", "Version", "Updated", "Failure"}
		for _, e := range entities {
			rows = append(rows, []string{
				e.ID,
				utils.Truncate(e.Pin.Title, 30),
				fmt.Sprintf("%.5f, %.5f", e.Pin.Latitude, e.Pin.Longitude),
				displayStatus(e),
				fmt.Sprintf("%d", e.Version),
				utils.FormatTime(&e.UpdatedAt),
				utils.Truncate(e.FailureReason, 40),
			})
		}
	default:
		headers = []string{"ID", "Pin", "Title", "Answers", "Status", "Version", "Updated", "Failure"}
		for _, e := range entities {
			if pinID != "" && e.Form.PinID != pinID {
				continue
			}
			rows = append(rows, []string{
				e.ID,
				e.Form.PinID,
				utils.Truncate(e.Form.Title, 30),
				fmt.Sprintf("%d", len(e.Form.Answers)),
				displayStatus(e),
				fmt.Sprintf("%d", e.Version),
				utils.FormatTime(&e.UpdatedAt),
				utils.Truncate(e.FailureReason, 40),
			})
		}
	}

	utils.PrintTable(headers, rows, utils.TableOptions{Title: strings.ToUpper(string(t)) + "S"})
	return nil
}

func showAction(c *cli.Context, t entity.Type) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}
	id, err := requireArg(c, 0, string(t)+" id")
	if err != nil {
		return err
	}

	e, err := application.Entities.Get(c.Context, t, id)
	if err != nil {
		return fmt.Errorf("failed to load %s %s: %w", t, id, err)
	}

	utils.PrintHeading(fmt.Sprintf("%s %s", strings.ToUpper(string(t)), e.ID))
	if e.Pin != nil {
		utils.PrintKeyValue("Title", e.Pin.Title)
		utils.PrintKeyValue("Location", fmt.Sprintf("%.6f, %.6f", e.Pin.Latitude, e.Pin.Longitude))
		utils.PrintKeyValue("Category", e.Pin.Category)
		utils.PrintKeyValue("Description", e.Pin.Description)
		utils.PrintKeyValue("Remote images", fmt.Sprintf("%d", len(e.Pin.ImageURLs)))
		for _, uri := range e.LocalImages {
			utils.PrintKeyValue("Local image", uri)
		}
	}
	if e.Form != nil {
		utils.PrintKeyValue("Pin", e.Form.PinID)
		utils.PrintKeyValue("Title", e.Form.Title)
		utils.PrintKeyValue("Form status", e.Form.Status)
		for k, v := range e.Form.Answers {
			utils.PrintKeyValue("  "+k, v)
		}
	}

	utils.PrintDivider()
	utils.PrintKeyValue("Sync status", displayStatus(e))
	utils.PrintKeyValue("Server version", fmt.Sprintf("%d", e.Version))
	utils.PrintKeyValue("Created", utils.FormatTime(&e.CreatedAt))
	utils.PrintKeyValue("Updated", utils.FormatTime(&e.UpdatedAt))
	utils.PrintKeyValue("Last synced", utils.FormatTime(e.LastSyncedAt))
	if e.FailureReason != "" {
		utils.PrintKeyValue("Last failure", utils.FormatTime(e.LastFailedSyncAt))
		utils.PrintKeyValue("Failure reason", e.FailureReason)
	}

	busy, err := application.Outbox.HasInFlight(c.Context, t, id)
	if err != nil {
		return fmt.Errorf("failed to read outbox: %w", err)
	}
	if busy {
		utils.PrintInfo("A change is queued for the server")
	}
	return nil
}

func displayStatus(e *entity.Entity) string {
	s := utils.Colorize(string(e.Status))
	if e.IsDeleted() {
		s += " (deleted)"
	}
	return s
}

func requireArg(c *cli.Context, n int, name string) (string, error) {
	v := c.Args().Get(n)
	if v == "" {
		return "", fmt.Errorf("missing %s", name)
	}
	return v, nil
}

func ptr[T any](v T) *T {
	return &v
}
