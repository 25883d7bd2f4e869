package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// mint-token issues development tokens signed with JWT_SECRET. Production
// tokens come from the identity service.
func main() {
	kind := flag.String("type", "student", "Token type: student or admin")
	id := flag.Int("id", 0, "Student or admin ID")
	classID := flag.Int("class", 0, "Class ID (student tokens)")
	roleID := flag.Int("role", 0, "Role ID (admin tokens)")
	perms := flag.String("perms", "", "Comma-separated permissions (admin tokens); empty grants all")
	flag.Parse()

	if *id <= 0 {
		fmt.Fprintln(os.Stderr, "-id is required")
		flag.Usage()
		os.Exit(2)
	}

	authService := service.NewAuthService(config.Load())

	var (
		token string
		err   error
	)
	switch *kind {
	case "student":
		token, err = authService.GenerateStudentToken(*id, *classID)
	case "admin":
		token, err = authService.GenerateAdminToken(*id, *roleID, permissionList(*perms))
	default:
		fmt.Fprintf(os.Stderr, "unknown token type %q\n", *kind)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "sign token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}

func permissionList(s string) []string {
	if strings.TrimSpace(s) == "" {
		all := make([]string, len(model.AllPermissions))
		for i, p := range model.AllPermissions {
			all[i] = string(p)
		}
		return all
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
