// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package devicesim

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment prefix that is used for configuration.
const EnvPrefix = "devicesim"

var cfgFile string

func initConfig() {
	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Println("Error when reading config file:", err)
		} else {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
		}
	}
	viper.BindEnv("debug")

	defaultID := "device-sim"
	if u, err := user.Current(); err == nil {
		defaultID = u.Username
	}
	if hostname, err := os.Hostname(); err == nil {
		defaultID += "@" + hostname
	}
	viper.SetDefault("device-id", defaultID)

	if config.GetBool("watch-config") {
		viper.WatchConfig()
		viper.OnConfigChange(func(e fsnotify.Event) {
			if ctx != nil {
				ctx.WithField("file", e.Name).Info("Config file changed")
			}
		})
	}
}

var config = viper.GetViper()
