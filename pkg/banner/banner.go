package banner

import (
	"fmt"
	"time"

	"loom/pkg/config"
)

const banner = `
██╗      ██████╗  ██████╗ ███╗   ███╗
██║     ██╔═══██╗██╔═══██╗████╗ ████║
██║     ██║   ██║██║   ██║██╔████╔██║
██║     ██║   ██║██║   ██║██║╚██╔╝██║
███████╗╚██████╔╝╚██████╔╝██║ ╚═╝ ██║
╚══════╝ ╚═════╝  ╚═════╝ ╚═╝     ╚═╝
`

// Print writes the startup banner with the effective config so operators can
// verify what the process actually runs with.
func Print(eff config.EffectiveConfig, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   %s\n", eff.Addr)
	fmt.Printf("Data:     %s\n", eff.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	src := eff.Source
	if src == "" {
		src = "defaults"
	}
	fmt.Printf("Config:   %s\n", src)

	fmt.Println("\n== Examples ===================================================")
	fmt.Println(`curl -X POST 'http://<host>:<port>/v1/threads' -d '{"title": "research"}'`)
	fmt.Println(`curl -X POST 'http://<host>:<port>/v1/threads/<id>/messages' -d '{"content": "hello"}'`)
	fmt.Println(`curl 'http://<host>:<port>/v1/threads/<id>/conversation'`)

	fmt.Println("\n== Production? ================================================")
	sec := eff.Config.Security
	if n := len(sec.APIKeys.Backend); n > 0 {
		fmt.Printf("- Backend API keys: OK (%d)\n", n)
	} else {
		fmt.Println("- Backend API keys: MISSING (required for agent loops)")
	}
	if n := len(sec.APIKeys.Frontend); n > 0 {
		fmt.Printf("- Frontend API keys: OK (%d)\n", n)
	} else {
		fmt.Println("- Frontend API keys: MISSING (required for client access)")
	}
	if sec.APIKeys.AllowUnauth {
		fmt.Println("- Unauthenticated access: ENABLED (local use only)")
	}
	if eff.Config.Server.TLS.CertFile != "" && eff.Config.Server.TLS.KeyFile != "" {
		fmt.Println("- TLS: configured")
	} else {
		fmt.Println("- TLS: unconfigured")
	}
	ret := eff.Config.Retention
	if ret.Enabled {
		info := ret.Cron
		if info == "" {
			info = "daily"
		}
		fmt.Printf("- Retention: enabled (%s, period=%s)\n", info, time.Duration(ret.Period))
	} else {
		fmt.Println("- Retention: disabled")
	}

	fmt.Println("\n== Logs =======================================================")
}
