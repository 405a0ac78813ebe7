package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"speakeasy/internal/auth"
	"speakeasy/internal/model"
	"speakeasy/internal/store"
)

const Version = "0.1.0"

// RunCLI handles subcommand execution. Returns true if a subcommand was
// handled, following the teacher's root cli.go dispatch shape, widened
// from channels/settings/backup to the users subcommand the expanded
// data model adds.
func RunCLI(args []string, dbPath string) bool {
	if len(args) == 0 {
		return false
	}

	switch args[0] {
	case "version":
		fmt.Printf("speakeasy server %s\n", Version)
		return true
	case "status":
		return cliStatus(dbPath)
	case "channels":
		return cliChannels(args[1:], dbPath)
	case "users":
		return cliUsers(args[1:], dbPath)
	case "settings":
		return cliSettings(args[1:], dbPath)
	case "backup":
		return cliBackup(args[1:], dbPath)
	default:
		return false
	}
}

func openStoreOrExit(dbPath string) *store.SQLiteStore {
	st, err := store.OpenSQLite(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening database: %v\n", err)
		os.Exit(1)
	}
	return st
}

func cliStatus(dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()
	ctx := context.Background()

	name, _, _ := st.GetSetting(ctx, "server_name")
	channels, _ := st.ListChannels(ctx)
	users, _ := st.ListUsers(ctx)

	fmt.Printf("Server: %s\n", name)
	fmt.Printf("Database: %s\n", dbPath)
	fmt.Printf("Channels: %d\n", len(channels))
	fmt.Printf("Users: %d\n", len(users))
	fmt.Printf("Version: %s\n", Version)
	return true
}

func cliChannels(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		channels, err := st.ListChannels(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(channels) == 0 {
			fmt.Println("No channels found.")
			return true
		}
		for _, c := range channels {
			marker := ""
			if c.Default {
				marker = " (default)"
			}
			fmt.Printf("  [%s] %s%s\n", c.ID, c.Name, marker)
		}
		return true
	}

	if args[0] == "create" && len(args) > 1 {
		c := &model.Channel{Name: args[1], Kind: model.ChannelText}
		if err := st.CreateChannel(ctx, c); err != nil {
			fmt.Fprintf(os.Stderr, "error creating channel: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created channel %q (id=%s)\n", c.Name, c.ID)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server channels [list|create <name>]\n")
	os.Exit(1)
	return true
}

func cliUsers(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		users, err := st.ListUsers(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return true
		}
		for _, u := range users {
			status := "active"
			if !u.Active {
				status = "deactivated"
			}
			fmt.Printf("  [%s] %s (%s)\n", u.ID, u.Username, status)
		}
		return true
	}

	if args[0] == "create" && len(args) > 2 {
		verifier, err := auth.HashSecret(args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error hashing password: %v\n", err)
			os.Exit(1)
		}
		u := &model.User{Username: args[1], PasswordVerifier: verifier, Active: true}
		if err := st.CreateUser(ctx, u); err != nil {
			fmt.Fprintf(os.Stderr, "error creating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created user %q (id=%s)\n", u.Username, u.ID)
		return true
	}

	if args[0] == "deactivate" && len(args) > 1 {
		u, err := st.GetUserByUsername(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		if err := st.DeactivateUser(ctx, u.ID); err != nil {
			fmt.Fprintf(os.Stderr, "error deactivating user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Deactivated user %q\n", args[1])
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server users [list|create <name> <password>|deactivate <name>]\n")
	os.Exit(1)
	return true
}

func cliSettings(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()
	ctx := context.Background()

	if len(args) == 0 || args[0] == "list" {
		settings, err := st.GetAllSettings(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		out, _ := json.MarshalIndent(settings, "", "  ")
		fmt.Println(string(out))
		return true
	}

	if args[0] == "set" && len(args) > 2 {
		key, value := args[1], args[2]
		if err := st.SetSetting(ctx, key, value); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return true
	}

	fmt.Fprintf(os.Stderr, "Usage: server settings [list|set <key> <value>]\n")
	os.Exit(1)
	return true
}

func cliBackup(args []string, dbPath string) bool {
	st := openStoreOrExit(dbPath)
	defer st.Close()

	outPath := "speakeasy-backup.db"
	if len(args) > 0 {
		outPath = args[0]
	}

	if err := st.Backup(context.Background(), outPath); err != nil {
		fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Database backed up to %s\n", outPath)
	return true
}
