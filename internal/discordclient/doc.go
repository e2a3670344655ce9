// Package discordclient: адаптер guild.Client поверх github.com/bwmarrin/discordgo.
//
// Сессия держит соединение с гейтвеем сама (heartbeat, resume, реконнект),
// участники, presence и роли читаются из кэша состояния discordgo, мутации
// (создание роли, add/remove role) идут через REST. Ошибки REST приводятся
// к guild.ErrUnauthorized / guild.ErrNotFound.
//
// События приходят через поля-колбэки OnReady, OnMessage, OnDisconnected.
//
// Пример:
//
//	c, err := discordclient.New(discordclient.Config{Token: token, StatusText: "$help"}, logger)
//	if err != nil { ... }
//	c.OnMessage = func(m discordclient.Message) { ... }
//	if err := c.Open(); err != nil { ... }
//	defer c.Close()
//	<-c.Ready()
package discordclient
