package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/joescharf/rota/internal/models"
	"github.com/joescharf/rota/internal/output"
	"github.com/joescharf/rota/internal/session"
	"github.com/joescharf/rota/internal/store"
)

var (
	loginEmail         string
	loginPassword      string
	loginPasswordStdin bool

	registerName       string
	registerDepartment int64
	registerRoles      []string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and store the session",
	Long: `Log in to the scheduling service. The session is kept in the
configured store (SQLite by default) until 'rota logout' or until the
server rejects it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return loginRun(cmd.InOrStdin())
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create an account and log in as it",
	RunE: func(cmd *cobra.Command, args []string) error {
		return registerRun(cmd.InOrStdin())
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return logoutRun()
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		return whoamiRun()
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage the stored session",
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <file|->",
	Short: "Import a session exported from the browser client",
	Long: `Import the browser client's local storage, exported as JSON:

  {"jwt_token": "...", "user": "{\"userId\":7,...}", "lastLogin": "..."}

Use - to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionImportRun(args[0], cmd.InOrStdin())
	},
}

func init() {
	for _, c := range []*cobra.Command{loginCmd, registerCmd} {
		c.Flags().StringVarP(&loginEmail, "email", "e", "", "Account email")
		c.Flags().StringVarP(&loginPassword, "password", "p", "", "Password (prefer --password-stdin)")
		c.Flags().BoolVar(&loginPasswordStdin, "password-stdin", false, "Read the password from stdin")
		_ = c.MarkFlagRequired("email")
	}
	registerCmd.Flags().StringVar(&registerName, "name", "", "Full name")
	registerCmd.Flags().Int64Var(&registerDepartment, "department", 0, "Department ID")
	registerCmd.Flags().StringSliceVar(&registerRoles, "role", []string{string(models.RoleNurse)}, "Role (repeatable)")
	_ = registerCmd.MarkFlagRequired("name")

	sessionCmd.AddCommand(sessionImportCmd)
	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, whoamiCmd, sessionCmd)
}

// readPassword returns --password, or the first line of in with
// --password-stdin.
func readPassword(in io.Reader) (string, error) {
	if !loginPasswordStdin {
		if loginPassword == "" {
			return "", errors.New("password required (--password or --password-stdin)")
		}
		return loginPassword, nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("empty password on stdin")
	}
	return pw, nil
}

func loginRun(in io.Reader) error {
	pw, err := readPassword(in)
	if err != nil {
		return err
	}
	c, err := getCoordinator()
	if err != nil {
		return err
	}
	sess, err := c.Login(context.Background(), loginEmail, pw)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	ui.Success("Logged in as %s", sess.User.FullName)
	return nil
}

func parseRoles(raw []string) ([]models.Role, error) {
	roles := make([]models.Role, 0, len(raw))
	for _, r := range raw {
		role := models.Role(strings.ToUpper(strings.TrimSpace(r)))
		switch role {
		case models.RoleAdmin, models.RoleCoordinator, models.RoleDoctor, models.RoleNurse, models.RoleAgent:
			roles = append(roles, role)
		default:
			return nil, fmt.Errorf("unknown role %q", r)
		}
	}
	return roles, nil
}

func registerRun(in io.Reader) error {
	pw, err := readPassword(in)
	if err != nil {
		return err
	}
	roles, err := parseRoles(registerRoles)
	if err != nil {
		return err
	}
	req := models.RegisterRequest{
		Email:    loginEmail,
		Password: pw,
		FullName: registerName,
		Roles:    roles,
	}
	if registerDepartment > 0 {
		req.DepartmentID = &registerDepartment
	}

	if dryRun {
		ui.DryRunMsg("Would register %s <%s> as %v", registerName, loginEmail, roles)
		return nil
	}

	c, err := getCoordinator()
	if err != nil {
		return err
	}
	sess, err := c.Register(context.Background(), req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	ui.Success("Registered and logged in as %s", sess.User.FullName)
	return nil
}

func logoutRun() error {
	c, err := getCoordinator()
	if err != nil {
		return err
	}
	if c.Session() == nil {
		ui.Info("Not logged in")
		return nil
	}
	if dryRun {
		ui.DryRunMsg("Would forget the session of %s", c.Session().User.FullName)
		return nil
	}
	if err := c.Logout(context.Background()); err != nil {
		return err
	}
	ui.Success("Logged out")
	return nil
}

func whoamiRun() error {
	c, err := requireSession()
	if err != nil {
		return err
	}
	sess := c.Session()
	bold := color.New(color.Bold).SprintFunc()

	fmt.Fprintf(ui.Out, "%s\n", bold(sess.User.FullName))
	fmt.Fprintf(ui.Out, "  Email:      %s\n", sess.User.Email)
	fmt.Fprintf(ui.Out, "  User ID:    %d\n", sess.User.ID)
	fmt.Fprintf(ui.Out, "  Roles:      %s\n", joinRoles(sess.User.Roles))
	fmt.Fprintf(ui.Out, "  Last login: %s\n", output.When(sess.LastLogin))

	if exp, ok := session.ExpiresAt(sess.Token); ok {
		line := exp.Local().Format(time.RFC1123)
		if session.Expired(sess.Token, time.Now()) {
			line += " " + color.RedString("(expired)")
		}
		fmt.Fprintf(ui.Out, "  Expires:    %s\n", line)
	}
	return nil
}

func joinRoles(roles []models.Role) string {
	if len(roles) == 0 {
		return "-"
	}
	parts := make([]string, len(roles))
	for i, r := range roles {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}

func sessionImportRun(path string, stdin io.Reader) error {
	in := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	sess, err := store.ImportLegacy(in)
	if err != nil {
		return fmt.Errorf("import session: %w", err)
	}

	if dryRun {
		ui.DryRunMsg("Would import the session of %s (user %d)", sess.User.FullName, sess.User.ID)
		return nil
	}

	c, err := getCoordinator()
	if err != nil {
		return err
	}
	if err := c.Adopt(context.Background(), sess); err != nil {
		return err
	}
	ui.Success("Imported session for %s", displayName(sess.User))
	return nil
}

func displayName(u models.User) string {
	if u.FullName != "" {
		return u.FullName
	}
	if u.Email != "" {
		return u.Email
	}
	return fmt.Sprintf("user #%d", u.ID)
}
