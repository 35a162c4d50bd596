package app

import (
	"fmt"
	"strconv"

	"github.com/hitoshi/feedcache/internal/model"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はジョブランナーと整理ジョブを起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandRegenerate はタイムラインの再生成ジョブを投入することを示す。
	CommandRegenerate Command = "regenerate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "regenerate":
		return CommandRegenerate
	case "healthcheck":
		return CommandHealthcheck
	default:
		return CommandServe
	}
}

// ParseRegenerateArgs は regenerate サブコマンドの引数からタイムラインを解析する。
//
//	regenerate <kind> <owner_id> [list_id]
func ParseRegenerateArgs(args []string) (model.TimelineID, error) {
	if len(args) < 2 {
		return model.TimelineID{}, fmt.Errorf("usage: regenerate <home|list|mentions|direct> <owner_id> [list_id]")
	}
	kind, err := model.ParseKind(args[0])
	if err != nil {
		return model.TimelineID{}, err
	}
	ownerID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || ownerID <= 0 {
		return model.TimelineID{}, fmt.Errorf("invalid owner_id: %q", args[1])
	}

	tl := model.TimelineID{Kind: kind, OwnerID: ownerID}
	if kind == model.KindList {
		if len(args) < 3 {
			return model.TimelineID{}, fmt.Errorf("list timeline requires list_id")
		}
		listID, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || listID <= 0 {
			return model.TimelineID{}, fmt.Errorf("invalid list_id: %q", args[2])
		}
		tl.Scope = listID
	}
	return tl, nil
}

// MigrateAction は migrate サブコマンドの操作。
type MigrateAction struct {
	Op    string // "up", "down", "version"
	Steps int    // downで戻すステップ数
}

// ParseMigrateArgs は migrate サブコマンドの引数を解析する。引数なしはupとして扱う。
//
//	migrate [up|down <steps>|version]
func ParseMigrateArgs(args []string) (MigrateAction, error) {
	if len(args) == 0 {
		return MigrateAction{Op: "up"}, nil
	}
	switch args[0] {
	case "up", "version":
		return MigrateAction{Op: args[0]}, nil
	case "down":
		if len(args) < 2 {
			return MigrateAction{}, fmt.Errorf("usage: migrate down <steps>")
		}
		steps, err := strconv.Atoi(args[1])
		if err != nil || steps <= 0 {
			return MigrateAction{}, fmt.Errorf("invalid steps: %q", args[1])
		}
		return MigrateAction{Op: "down", Steps: steps}, nil
	default:
		return MigrateAction{}, fmt.Errorf("unknown migrate action: %q", args[0])
	}
}
