package pbx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/pbxcore/internal/channel"
	"github.com/flowpbx/pbxcore/internal/vars"
)

func callOf(env vars.Env) (*Call, error) {
	c, ok := env.(*Call)
	if !ok || c == nil {
		return nil, ErrNoChannel
	}
	return c, nil
}

func (e *Engine) functions() []*vars.Func {
	return []*vars.Func{
		{
			Name:     "CALLERID",
			Synopsis: "CALLERID(all|name|num|ani|dnid|rdnis|pres|ton)",
			Read:     readCallerID,
			Write:    writeCallerID,
		},
		{
			Name:     "TIMEOUT",
			Synopsis: "TIMEOUT(absolute|digit|response)",
			Read:     readTimeout,
			Write:    writeTimeout,
		},
		{
			Name:     "EXCEPTION",
			Synopsis: "EXCEPTION(reason|context|exten|priority)",
			Read:     readException,
		},
		{
			Name:     "IMPORT",
			Synopsis: "IMPORT(channel,variable)",
			Read: func(env vars.Env, args string) (string, error) {
				chanName, variable, ok := strings.Cut(args, ",")
				if !ok {
					return "", fmt.Errorf("IMPORT: want channel,variable")
				}
				ctx := context.Background()
				if c, err := callOf(env); err == nil {
					ctx = c.ctx
				}
				return e.importValue(ctx, strings.TrimSpace(chanName), strings.TrimSpace(variable))
			},
		},
	}
}

func readCallerID(env vars.Env, args string) (string, error) {
	c, err := callOf(env)
	if err != nil {
		return "", err
	}
	cid := c.ch.CallerID()
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "all":
		return formatCallerID(cid), nil
	case "name":
		return cid.Name, nil
	case "num", "number":
		return cid.Num, nil
	case "ani":
		return cid.ANI, nil
	case "dnid":
		return cid.DNID, nil
	case "rdnis":
		return cid.RDNIS, nil
	case "pres":
		return strconv.Itoa(cid.Pres), nil
	case "ton":
		return strconv.Itoa(cid.TON), nil
	}
	return "", fmt.Errorf("CALLERID: unknown field %q", args)
}

// parseCallerID splits `"Name" <num>` into its parts.
func parseCallerID(s string) (name, num string) {
	s = strings.TrimSpace(s)
	open, end := strings.IndexByte(s, '<'), strings.LastIndexByte(s, '>')
	if open < 0 || end < open {
		return "", s
	}
	num = strings.TrimSpace(s[open+1 : end])
	name = strings.Trim(strings.TrimSpace(s[:open]), `"`)
	return name, num
}

func writeCallerID(env vars.Env, args, value string) error {
	c, err := callOf(env)
	if err != nil {
		return err
	}
	cid := c.ch.CallerID()
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "all":
		cid.Name, cid.Num = parseCallerID(value)
	case "name":
		cid.Name = value
	case "num", "number":
		cid.Num = value
	case "ani":
		cid.ANI = value
	case "dnid":
		cid.DNID = value
	case "rdnis":
		cid.RDNIS = value
	case "pres", "ton":
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("CALLERID(%s): %q is not a number", args, value)
		}
		if strings.EqualFold(strings.TrimSpace(args), "pres") {
			cid.Pres = n
		} else {
			cid.TON = n
		}
	default:
		return fmt.Errorf("CALLERID: unknown field %q", args)
	}
	c.ch.SetCallerID(cid)
	return nil
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func readTimeout(env vars.Env, args string) (string, error) {
	c, err := callOf(env)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "absolute", "a":
		left := c.AbsoluteTimeout()
		if left == 0 {
			return "0", nil
		}
		return formatSeconds(left), nil
	case "digit", "d":
		return formatSeconds(c.DigitTimeout()), nil
	case "response", "r":
		return formatSeconds(c.ResponseTimeout()), nil
	}
	return "", fmt.Errorf("TIMEOUT: unknown timeout type %q", args)
}

func writeTimeout(env vars.Env, args, value string) error {
	c, err := callOf(env)
	if err != nil {
		return err
	}
	d, ok := parseSeconds(value)
	if !ok {
		return fmt.Errorf("TIMEOUT(%s): invalid value %q", args, value)
	}
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "absolute", "a":
		c.SetAbsoluteTimeout(d)
		if d > 0 {
			c.logger.Info("absolute timeout set", "seconds", d.Seconds())
		} else {
			c.logger.Info("absolute timeout cleared")
		}
	case "digit", "d":
		c.SetDigitTimeout(d)
	case "response", "r":
		c.SetResponseTimeout(d)
	default:
		return fmt.Errorf("TIMEOUT: unknown timeout type %q", args)
	}
	return nil
}

func readException(env vars.Env, args string) (string, error) {
	c, err := callOf(env)
	if err != nil {
		return "", err
	}
	ex, ok := c.Exception()
	if !ok {
		return "", fmt.Errorf("EXCEPTION: no exception on %s", c.ch.Name())
	}
	switch strings.ToLower(strings.TrimSpace(args)) {
	case "reason":
		return ex.Reason, nil
	case "context":
		return ex.Context, nil
	case "exten":
		return ex.Exten, nil
	case "priority":
		return strconv.Itoa(ex.Priority), nil
	}
	return "", fmt.Errorf("EXCEPTION: unknown field %q", args)
}

var _ vars.Env = (*Call)(nil)

// NewCallEnv returns the variable environment of ch without running it.
func (e *Engine) NewCallEnv(ch channel.Channel) vars.Env {
	return e.callFor(context.Background(), ch)
}
