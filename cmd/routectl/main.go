// Command routectl inspects the route table and builds obfuscated URLs using
// the secret configured in the environment.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"lds.li/donorlink/config"
	"lds.li/donorlink/routecodec"
)

const usage = `usage: %s <command> [args]

commands:
  encode <route>            print the path token for a route name
  decode <token|path>       print the route a token or path decodes to
  url <route> [session]     print the navigable URL, optionally with a session marker
  legacy <path>             print the obfuscated replacement for a semantic path
  canonical <path>          print the home path if path names no valid route
  table                     print every table route with its token and legacy path
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, usage, os.Args[0])
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid arguments")

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	codec := routecodec.New(cfg.RouteSecret)
	codec.Logger = config.NewLogger(cfg.LogLevel)

	switch cmd, rest := args[0], args[1:]; cmd {
	case "encode":
		if len(rest) != 1 {
			return errUsage
		}
		fmt.Fprintln(out, codec.Encode(routecodec.RouteName(rest[0])))
	case "decode":
		if len(rest) != 1 {
			return errUsage
		}
		fmt.Fprintln(out, codec.DecodePath(rest[0]))
	case "url":
		if len(rest) < 1 || len(rest) > 2 {
			return errUsage
		}
		var sessionToken string
		if len(rest) == 2 {
			sessionToken = rest[1]
		}
		fmt.Fprintln(out, codec.BuildURL(routecodec.RouteName(rest[0]), sessionToken))
	case "legacy":
		if len(rest) != 1 {
			return errUsage
		}
		target, ok := codec.LegacyRedirect(rest[0])
		if !ok {
			return fmt.Errorf("%s is not a legacy path", rest[0])
		}
		fmt.Fprintln(out, target)
	case "canonical":
		if len(rest) != 1 {
			return errUsage
		}
		if p, replace := codec.CanonicalPath(rest[0]); replace {
			fmt.Fprintln(out, p)
		} else {
			fmt.Fprintln(out, rest[0])
		}
	case "table":
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ROUTE\tTOKEN\tLEGACY PATH\tPROTECTED")
		for _, name := range routecodec.Routes() {
			legacy, _ := routecodec.LegacyPath(name)
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", name, codec.Encode(name), legacy, routecodec.IsProtected(name))
		}
		return tw.Flush()
	default:
		return errUsage
	}
	return nil
}
