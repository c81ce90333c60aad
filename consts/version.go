package consts

// Version is set at build time with -ldflags "-X github.com/johnstarich/sagelink/consts.Version=..."
var Version = "dev"
